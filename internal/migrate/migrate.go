// Package migrate manages the ClickHouse schema that stores evaluation
// results.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var migrations embed.FS

// ResultsTable is the table created by the embedded migrations.
const ResultsTable = "evaluation_results"

// ErrDirty is returned when a previous migration failed halfway.
var ErrDirty = errors.New("results schema is dirty")

// SchemaStatus describes the results schema of a database.
type SchemaStatus struct {
	// Current is the applied version, 0 when nothing was applied.
	Current uint
	// Latest is the highest embedded version.
	Latest uint
	Dirty  bool
}

// Pending reports whether embedded migrations are not yet applied.
func (s SchemaStatus) Pending() bool { return s.Current < s.Latest }

func (s SchemaStatus) String() string {
	switch {
	case s.Dirty:
		return fmt.Sprintf("version %d of %d (dirty)", s.Current, s.Latest)
	case s.Pending():
		return fmt.Sprintf("version %d of %d (%d pending)", s.Current, s.Latest, s.Latest-s.Current)
	default:
		return fmt.Sprintf("version %d (up to date)", s.Current)
	}
}

// Migrator applies the results schema to one ClickHouse database.
type Migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a Migrator for a ClickHouse DSN such as
// "clickhouse://host:9000/armory".
func New(log logrus.FieldLogger, dsn string) *Migrator {
	return &Migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// ResultsDSN builds the migration DSN for a native protocol endpoint.
func ResultsDSN(endpoint, database, username, password string) string {
	u := url.URL{
		Scheme: "clickhouse",
		Host:   endpoint,
		Path:   "/" + database,
	}

	q := url.Values{}
	if username != "" {
		q.Set("username", username)
	}

	if password != "" {
		q.Set("password", password)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// Latest returns the highest embedded schema version.
func Latest() (uint, error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return 0, fmt.Errorf("creating migration source: %w", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("reading first migration: %w", err)
	}

	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}

		if err != nil {
			return 0, fmt.Errorf("reading migration after %d: %w", v, err)
		}

		v = next
	}
}

// Up applies all pending migrations. A dirty schema is refused.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, func(mig *migrate.Migrate) error {
		status, err := m.status(mig)
		if err != nil {
			return err
		}

		if status.Dirty {
			return fmt.Errorf("%w at version %d, fix it and force the version", ErrDirty, status.Current)
		}

		if !status.Pending() {
			m.log.WithField("version", status.Current).Debug("Results schema up to date")

			return nil
		}

		m.log.WithFields(logrus.Fields{
			"from": status.Current,
			"to":   status.Latest,
		}).Info("Migrating results schema")

		if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}

		return nil
	})
}

// Down rolls back steps migrations. steps <= 0 rolls back all of them.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	return m.run(ctx, func(mig *migrate.Migrate) error {
		var err error

		if steps <= 0 {
			m.log.Warn("Dropping the results schema")

			err = mig.Down()
		} else {
			m.log.WithField("steps", steps).Info("Rolling back results schema")

			err = mig.Steps(-steps)
		}

		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rolling back migrations: %w", err)
		}

		return nil
	})
}

// Status reports the applied and embedded schema versions.
func (m *Migrator) Status(ctx context.Context) (SchemaStatus, error) {
	var status SchemaStatus

	err := m.run(ctx, func(mig *migrate.Migrate) error {
		var err error

		status, err = m.status(mig)

		return err
	})

	return status, err
}

func (m *Migrator) status(mig *migrate.Migrate) (SchemaStatus, error) {
	latest, err := Latest()
	if err != nil {
		return SchemaStatus{}, err
	}

	current, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return SchemaStatus{}, fmt.Errorf("getting migration version: %w", err)
	}

	return SchemaStatus{Current: current, Latest: latest, Dirty: dirty}, nil
}

// run opens a migrate instance and stops fn gracefully when ctx ends.
func (m *Migrator) run(ctx context.Context, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", src, multiStatementDSN(m.dsn))
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	defer mig.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			mig.GracefulStop <- true
		case <-done:
		}
	}()

	if err := fn(mig); err != nil {
		return err
	}

	return ctx.Err()
}

// multiStatementDSN enables ClickHouse multi-statement support on dsn.
func multiStatementDSN(dsn string) string {
	if strings.Contains(dsn, "x-multi-statement=") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "x-multi-statement=true"
}
