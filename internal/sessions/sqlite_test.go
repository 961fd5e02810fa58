package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "switchboard.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(nope) = %v", err)
	}

	c := NewConversation("conv-1")
	c.AppendTurn(agent.RoleUser, "hi")
	c.AppendTurn(agent.RoleAssistant, "hello")
	c.Bind("claude-cli").SetNativeSessionID("sess-9")
	c.ApplyUsage(events.Usage(events.UsageInput{
		InputTokens:         events.Int(100),
		OutputTokens:        events.Int(20),
		Cost:                events.Float(0.01),
		ContextInputTokens:  events.Int(50),
		ContextOutputTokens: events.Int(10),
		ContextWindowSize:   events.Int(200),
	}))
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := c.Record()
	rec := got.Record()
	if !reflect.DeepEqual(rec.Turns, want.Turns) || rec.NativeSessionID != "sess-9" || rec.NativeProvider != "claude-cli" {
		t.Fatalf("record = %+v", rec)
	}
	if !reflect.DeepEqual(rec.Usage, want.Usage) {
		t.Fatalf("usage = %+v, want %+v", rec.Usage, want.Usage)
	}
	if rec.CreatedAt.UnixMilli() != want.CreatedAt.UnixMilli() {
		t.Fatalf("created_at = %v, want %v", rec.CreatedAt, want.CreatedAt)
	}

	// A second save replaces the turns rather than duplicating them.
	got.AppendTurn(agent.RoleUser, "again")
	if err := s.Save(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(again.PriorMessages()); n != 3 {
		t.Fatalf("turns after resave = %d", n)
	}

	other := NewConversation("conv-2")
	if err := s.Save(ctx, other); err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("List = %+v", list)
	}
	page, err := s.List(ctx, ListOptions{Limit: 1})
	if err != nil || len(page) != 1 {
		t.Fatalf("List(limit 1) = %+v, %v", page, err)
	}
}

func TestSQLStoreMemory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	if err := s.Save(ctx, NewConversation("m")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "m"); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreFailures(t *testing.T) {
	tests := []struct {
		name    string
		run     func(s *SQLStore) error
		mock    func(m sqlmock.Sqlmock)
		wantErr string
	}{
		{
			name: "get query error",
			run: func(s *SQLStore) error {
				_, err := s.Get(context.Background(), "c")
				return err
			},
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT id, native_session_id").WithArgs("c").WillReturnError(errors.New("disk I/O error"))
			},
			wantErr: "get conversation: disk I/O error",
		},
		{
			name: "get bad usage json",
			run: func(s *SQLStore) error {
				_, err := s.Get(context.Background(), "c")
				return err
			},
			mock: func(m sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"id", "native_session_id", "native_provider", "usage", "created_at", "updated_at"}).
					AddRow("c", "", "", "{not json", int64(1), int64(1))
				m.ExpectQuery("SELECT id, native_session_id").WithArgs("c").WillReturnRows(rows)
			},
			wantErr: "decode usage",
		},
		{
			name: "save rolls back on turn insert failure",
			run: func(s *SQLStore) error {
				c := NewConversation("c")
				c.AppendTurn(agent.RoleUser, "hi")
				return s.Save(context.Background(), c)
			},
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("INSERT INTO conversations").WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectExec("DELETE FROM turns").WithArgs("c").WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectExec("INSERT INTO turns").WithArgs("c", 0, "user", "hi").WillReturnError(errors.New("constraint failed"))
				m.ExpectRollback()
			},
			wantErr: "insert turn 0: constraint failed",
		},
		{
			name: "save commit failure",
			run: func(s *SQLStore) error {
				return s.Save(context.Background(), NewConversation("c"))
			},
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec("INSERT INTO conversations").WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectExec("DELETE FROM turns").WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectCommit().WillReturnError(errors.New("database is locked"))
			},
			wantErr: "commit: database is locked",
		},
		{
			name: "list scan error",
			run: func(s *SQLStore) error {
				_, err := s.List(context.Background(), ListOptions{Limit: 10})
				return err
			},
			mock: func(m sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"id", "native_session_id", "native_provider", "usage", "created_at", "updated_at"}).
					AddRow("c", "", "", "{}", "not a number", int64(1))
				m.ExpectQuery("SELECT id, native_session_id").WithArgs(10, 0).WillReturnRows(rows)
			},
			wantErr: "scan conversation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock: %v", err)
			}
			defer db.Close()
			tt.mock(mock)

			err = tt.run(NewSQLStore(db))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}
