package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  string
	}{
		{CurrentVersion, ""},
		{0, ""},
		{-1, "invalid"},
		{CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v, want nil", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) = %T, want *VersionError", tt.version, err)
		}
		if ve.Reason != tt.reason || ve.Current != CurrentVersion {
			t.Errorf("ValidateVersion(%d) = %+v", tt.version, ve)
		}
	}
}

func TestVersionErrorMessage(t *testing.T) {
	err := ValidateVersion(CurrentVersion + 1)
	if !strings.Contains(err.Error(), "upgrade switchboard") {
		t.Fatalf("message = %q", err.Error())
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Fatal("nil VersionError should render empty")
	}
}
