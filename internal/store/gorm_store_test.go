package store_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"procodus.dev/fleet-control/internal/store"
)

var _ = Describe("GormStore", func() {
	var (
		ctx   context.Context
		sqlDB *sql.DB
		mock  sqlmock.Sqlmock
		s     *store.GormStore
		log   *slog.Logger
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

		sqlDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())

		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
			SkipDefaultTransaction: true,
			Logger:                 logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())

		s, err = store.NewGormStore(db, log)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		_ = sqlDB.Close()
	})

	Describe("NewGormStore", func() {
		It("should reject a nil database", func() {
			_, err := store.NewGormStore(nil, log)
			Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
		})
	})

	Describe("GetDevice", func() {
		It("should filter by tenant and id", func() {
			rows := sqlmock.NewRows([]string{"tenant_id", "id", "name", "status"}).
				AddRow("t1", "d1", "pump", "online")
			mock.ExpectQuery(`SELECT \* FROM "devices" WHERE tenant_id = \$1 AND id = \$2`).
				WillReturnRows(rows)

			d, err := s.GetDevice(ctx, "t1", "d1")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Name).To(Equal("pump"))
			Expect(d.Status).To(Equal(store.DeviceOnline))
		})

		It("should map a missing row to ErrNotFound", func() {
			mock.ExpectQuery(`SELECT \* FROM "devices"`).
				WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "id"}))

			_, err := s.GetDevice(ctx, "t1", "missing")
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should classify engine failures as ErrStore", func() {
			mock.ExpectQuery(`SELECT \* FROM "devices"`).
				WillReturnError(errors.New("connection reset"))

			_, err := s.GetDevice(ctx, "t1", "d1")
			Expect(errors.Is(err, store.ErrStore)).To(BeTrue())
		})
	})

	Describe("RecordHeartbeat", func() {
		It("should never move last_heartbeat backwards", func() {
			mock.ExpectExec(`UPDATE "devices" SET "last_heartbeat"=GREATEST\(COALESCE\(last_heartbeat, \$1\), \$2\)`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			now := time.Now().UTC()
			Expect(s.RecordHeartbeat(ctx, "t1", "d1", now, now)).To(Succeed())
		})

		It("should report an unknown device", func() {
			mock.ExpectExec(`UPDATE "devices" SET`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			now := time.Now().UTC()
			Expect(s.RecordHeartbeat(ctx, "t1", "nope", now, now)).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("MarkStaleOffline", func() {
		It("should return the rows the update transitioned", func() {
			rows := sqlmock.NewRows([]string{"tenant_id", "id", "name", "status"}).
				AddRow("t1", "d1", "pump", "offline")
			mock.ExpectQuery(`UPDATE "devices" SET .* WHERE tenant_id = \$\d+ AND status <> \$\d+ AND last_heartbeat <= \$\d+ RETURNING \*`).
				WillReturnRows(rows)

			now := time.Now().UTC()
			devices, err := s.MarkStaleOffline(ctx, "t1", now.Add(-5*time.Minute), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(1))
			Expect(devices[0].ID).To(Equal("d1"))
		})
	})

	Describe("TelemetrySince", func() {
		It("should select the device's records from since onwards in time order", func() {
			since := time.Now().UTC().Add(-time.Hour)
			rows := sqlmock.NewRows([]string{"id", "tenant_id", "device_id", "timestamp"}).
				AddRow("r1", "t1", "d1", since.Add(time.Minute)).
				AddRow("r2", "t1", "d1", since.Add(2*time.Minute))
			mock.ExpectQuery(`SELECT \* FROM "telemetry" WHERE tenant_id = \$1 AND device_id = \$2 AND timestamp >= \$3 ORDER BY timestamp`).
				WithArgs("t1", "d1", sqlmock.AnyArg()).
				WillReturnRows(rows)

			records, err := s.TelemetrySince(ctx, "t1", "d1", since)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[0].ID).To(Equal("r1"))
		})

		It("should wrap query failures as store errors", func() {
			mock.ExpectQuery(`SELECT \* FROM "telemetry"`).WillReturnError(errors.New("connection reset"))

			_, err := s.TelemetrySince(ctx, "t1", "d1", time.Now())
			Expect(err).To(MatchError(store.ErrStore))
		})
	})

	Describe("AdvanceCommand", func() {
		It("should distinguish an unknown command from a stale update", func() {
			mock.ExpectExec(`UPDATE "commands" SET .* WHERE tenant_id = \$\d+ AND id = \$\d+ AND status IN`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT count\(\*\) FROM "commands"`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

			_, err := s.AdvanceCommand(ctx, "t1", "c-missing", store.CommandUpdate{Status: store.CommandCompleted})
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should report a no-op when the command is already terminal", func() {
			mock.ExpectExec(`UPDATE "commands" SET`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT count\(\*\) FROM "commands"`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

			applied, err := s.AdvanceCommand(ctx, "t1", "c1", store.CommandUpdate{Status: store.CommandSent})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())
		})
	})

	Describe("ListActiveTenants", func() {
		It("should query active tenants only", func() {
			rows := sqlmock.NewRows([]string{"id", "name", "is_active"}).
				AddRow("t1", "Acme", true)
			mock.ExpectQuery(`SELECT \* FROM "tenants" WHERE is_active = \$1`).
				WillReturnRows(rows)

			tenants, err := s.ListActiveTenants(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tenants).To(HaveLen(1))
			Expect(tenants[0].Name).To(Equal("Acme"))
		})
	})
})
