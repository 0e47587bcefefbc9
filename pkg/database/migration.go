package database

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pkgerrors "github.com/pkg/errors"
)

type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

type MigrationConfig struct {
	// MigrationFolderPath is read from disk when it exists; otherwise Embedded is used.
	MigrationFolderPath string
	Embedded            fs.FS
	Version             uint
	Force               int
	// AutoRollback forces a dirty database back to the version it had before the run.
	AutoRollback bool
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

var migrationFilePattern = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// Migrate applies migrations to db.
func (ms *MigrationService) Migrate(databaseName string, db DB) error {
	driver, err := postgres.WithInstance(db.SQLX().DB, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create migration driver")
	}

	m, source, err := ms.newMigrate(databaseName, driver)
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}
	m.Log = MigrationLogger{Logger: ms.logger}

	return ms.run(m, source)
}

func (ms *MigrationService) newMigrate(databaseName string, driver migratedb.Driver) (*migrate.Migrate, fs.FS, error) {
	if folder := ms.config.MigrationFolderPath; folder != "" {
		if info, err := os.Stat(folder); err == nil && info.IsDir() {
			m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
			return m, os.DirFS(folder), err
		}
	}

	if ms.config.Embedded == nil {
		return nil, nil, fmt.Errorf("migration folder %s does not exist and no embedded migrations are configured", ms.config.MigrationFolderPath)
	}

	src, err := iofs.New(ms.config.Embedded, ".")
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "failed to read embedded migrations")
	}
	m, err := migrate.NewWithInstance("iofs", src, databaseName, driver)
	return m, ms.config.Embedded, err
}

func (ms *MigrationService) run(m *migrate.Migrate, source fs.FS) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	version, _, versionErr := m.Version()
	if versionErr != nil && !errors.Is(versionErr, migrate.ErrNilVersion) {
		ms.logger.WithError(versionErr).Error("Failed to get current migration version")
	}

	startTime := time.Now()

	var err error
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	ms.logger.Infof("Database migrations completed in %v", time.Since(startTime))
	return ms.handleError(m, err, version, source)
}

func (ms *MigrationService) handleError(m *migrate.Migrate, err error, previousVersion uint, source fs.FS) error {
	if err == nil {
		ms.logger.Info("Successfully applied migrations")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		ms.logger.Info("No new migrations to apply")
		return nil
	}

	var notExist *fs.PathError
	if errors.As(err, &notExist) || errors.Is(err, os.ErrNotExist) {
		latest, latestErr := latestVersion(source)
		if latestErr != nil {
			return pkgerrors.Wrap(latestErr, "failed to find latest migration version")
		}
		ms.logger.Warnf("No migration found for version %d. Forcing database to version %d", previousVersion, latest)
		return m.Force(latest)
	}

	ms.logger.WithError(err).Errorf("Migration failed with error: %v", err)

	version, dirty, versionErr := m.Version()
	if versionErr != nil {
		ms.logger.WithError(versionErr).Error("Failed to get current migration version")
		return err
	}

	if ms.config.AutoRollback && dirty {
		target := int(previousVersion)
		if target == 0 && version > 0 {
			target = int(version) - 1
		}
		ms.logger.Warnf("Database is dirty at version %d. Reverting to version %d", version, target)
		if forceErr := m.Force(target); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("Failed to force database to version %d", target)
			return forceErr
		}
	}

	return pkgerrors.Wrapf(err, "failed to apply migrations (version %d, dirty=%t)", version, dirty)
}

func latestVersion(source fs.FS) (int, error) {
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationFilePattern.FindStringSubmatch(entry.Name())
		if len(matches) < 2 {
			continue
		}
		v, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found")
	}

	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
