package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"tradeengine/internal/models"
)

// ============================================================
// SettingsRepository Tests
// ============================================================

func TestSettingsRepositoryLatest(t *testing.T) {
	now := time.Now().UTC()
	payload, err := json.Marshal(models.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"version", "payload", "updated_at"}).
					AddRow(int64(7), payload, now)
				mock.ExpectQuery(`SELECT version, payload, updated_at FROM settings_versions ORDER BY version DESC LIMIT 1`).
					WillReturnRows(rows)
			},
		},
		{
			name: "empty history",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM settings_versions`).WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrSettingsNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewSettingsRepository(db)
			s, err := repo.Latest(context.Background())

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected error %v, got %v", tt.wantErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if s.Version != 7 {
					t.Errorf("version from column = %d, want 7", s.Version)
				}
				if _, ok := s.Sizing.Rule.(models.RiskPerStop); !ok {
					t.Errorf("sizing rule = %T", s.Sizing.Rule)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSettingsRepositoryInsert(t *testing.T) {
	tests := []struct {
		name    string
		dbErr   error
		wantErr error
	}{
		{"success", nil, nil},
		{"version conflict", &pq.Error{Code: "23505"}, ErrSettingsVersionExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			exp := mock.ExpectExec(`INSERT INTO settings_versions`).
				WithArgs(int64(2), sqlmock.AnyArg(), sqlmock.AnyArg())
			if tt.dbErr != nil {
				exp.WillReturnError(tt.dbErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, 1))
			}

			s := models.DefaultSettings()
			s.Version = 2
			s.UpdatedAt = time.Now()

			err = NewSettingsRepository(db).Insert(context.Background(), &s)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}
