package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaconattend/internal/attendance"
)

func newTestPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db, time.Second), mock
}

func testSession(now time.Time) attendance.Session {
	return attendance.Session{
		ID:        "s1",
		ClassID:   "CS101",
		RoomID:    "R1",
		BeaconID:  "B1",
		OwnerID:   "T1",
		StartTime: now,
		EndTime:   now.Add(5 * time.Minute),
		Status:    attendance.SessionOpen,
		CreatedAt: now,
	}
}

func TestPostgres_CreateSession(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	testCases := []struct {
		name        string
		execErr     error
		expectedErr error
	}{
		{name: "Inserted"},
		{
			name:        "Beacon held by another open session",
			execErr:     &pgconn.PgError{Code: "23505", ConstraintName: "sessions_open_beacon_idx"},
			expectedErr: attendance.ErrBeaconClaimed,
		},
		{
			name:        "Session id already exists",
			execErr:     &pgconn.PgError{Code: "23505", ConstraintName: "sessions_pkey"},
			expectedErr: attendance.ErrDuplicate,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pg, mock := newTestPostgres(t)
			exp := mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sessions`)).
				WithArgs("s1", "CS101", "R1", "B1", "T1", sqlmock.AnyArg(), sqlmock.AnyArg(), "OPEN", sqlmock.AnyArg())
			if tc.execErr != nil {
				exp.WillReturnError(tc.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, 1))
			}

			err := pg.CreateSession(context.Background(), testSession(now))
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_CreateSessionWrapsOtherErrors(t *testing.T) {
	pg, mock := newTestPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sessions`)).WillReturnError(errors.New("connection reset"))

	err := pg.CreateSession(context.Background(), testSession(time.Now()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, attendance.ErrDuplicate)
	assert.NotErrorIs(t, err, attendance.ErrBeaconClaimed)
}

func TestPostgres_GetSession(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	cols := []string{"session_id", "class_id", "room_id", "beacon_id", "owner_id", "start_time", "end_time", "status", "created_at"}

	t.Run("Found", func(t *testing.T) {
		pg, mock := newTestPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE session_id = $1`)).
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "CS101", "R1", "B1", "T1", now, now.Add(time.Hour), "OPEN", now))

		s, err := pg.GetSession(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "B1", s.BeaconID)
		assert.Equal(t, attendance.SessionOpen, s.Status)
		assert.True(t, s.EndTime.Equal(now.Add(time.Hour)))
	})

	t.Run("Missing", func(t *testing.T) {
		pg, mock := newTestPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE session_id = $1`)).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := pg.GetSession(context.Background(), "nope")
		assert.ErrorIs(t, err, attendance.ErrNotFound)
	})
}

func TestPostgres_CloseSession(t *testing.T) {
	end := time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC)

	testCases := []struct {
		name             string
		mockExpectations func(mock sqlmock.Sqlmock)
		expectedClosed   bool
		expectedErr      error
	}{
		{
			name: "Open session transitions",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions`)).
					WithArgs("s1", end).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			expectedClosed: true,
		},
		{
			name: "Already closed",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions`)).
					WithArgs("s1", end).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
					WithArgs("s1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			},
		},
		{
			name: "Unknown session",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions`)).
					WithArgs("s1", end).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
					WithArgs("s1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			},
			expectedErr: attendance.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pg, mock := newTestPostgres(t)
			tc.mockExpectations(mock)

			closed, err := pg.CloseSession(context.Background(), "s1", end)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expectedClosed, closed)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_CreateRecord(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 1, 0, 0, time.UTC)
	rssi := -60.0
	rec := attendance.Record{
		ID:             "r1",
		StudentID:      "S1",
		SessionID:      "s1",
		Timestamp:      now,
		Status:         attendance.StatusPresent,
		Method:         attendance.MethodBeaconScan,
		SignalStrength: &rssi,
	}

	t.Run("Inserted", func(t *testing.T) {
		pg, mock := newTestPostgres(t)
		mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (student_id, session_id) DO NOTHING`)).
			WithArgs("r1", "S1", "s1", now, "PRESENT", "beacon_scan", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, pg.CreateRecord(context.Background(), rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Conflict yields duplicate", func(t *testing.T) {
		pg, mock := newTestPostgres(t)
		mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (student_id, session_id) DO NOTHING`)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, pg.CreateRecord(context.Background(), rec), attendance.ErrDuplicate)
	})
}

func TestPostgres_RecordsBySessionScansNullSignal(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 1, 0, 0, time.UTC)
	pg, mock := newTestPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM attendance_records`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "student_id", "session_id", "recorded_at", "status", "method", "signal_strength", "distance_m"}).
			AddRow("r1", "S1", "s1", now, "PRESENT", "beacon_scan", -61.5, 1.4).
			AddRow("r2", "S2", "s1", now.Add(time.Minute), "ABSENT", "system", nil, nil))

	records, err := pg.RecordsBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NotNil(t, records[0].SignalStrength)
	assert.Equal(t, -61.5, *records[0].SignalStrength)
	require.NotNil(t, records[0].Distance)
	assert.Equal(t, 1.4, *records[0].Distance)

	assert.Nil(t, records[1].SignalStrength)
	assert.Nil(t, records[1].Distance)
	assert.Equal(t, attendance.MethodSystem, records[1].Method)
}
