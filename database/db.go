package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("cache init failed, reads fall through to postgres: %v", errCache)
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens a postgres connection, verifies it with a ping and
// bootstraps the inkwell schema so a fresh database is usable without a
// separate migrate step. Production deployments still run the embedded
// migrations for schema changes.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createSchema(db)
	if err != nil {
		return nil, err
	}
	err = createReservationTable(db)
	if err != nil {
		return nil, err
	}
	err = createPendingOperationTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS inkwell`)
	return err
}

// createReservationTable creates the PostgreSQL table backing Reservation rows.
func createReservationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS inkwell.reservations (
			id SERIAL PRIMARY KEY,
			reservation_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			estimated_cost NUMERIC NOT NULL,
			actual_cost NUMERIC NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_status_created
			ON inkwell.reservations (status, created_at);
	`)
	return err
}

// createPendingOperationTable creates the PostgreSQL table backing the durable
// retry queue. The unique key column makes duplicate enqueues of the same
// business operation a no-op.
func createPendingOperationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS inkwell.pending_operations (
			id SERIAL PRIMARY KEY,
			operation_id TEXT NOT NULL UNIQUE,
			key TEXT NOT NULL UNIQUE,
			op_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 1,
			max_retries INTEGER NOT NULL,
			next_retry_at TIMESTAMP NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_pending_operations_ready
			ON inkwell.pending_operations (status, next_retry_at);
	`)
	return err
}
