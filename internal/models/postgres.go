package models

// PostgresConfig holds the connection settings handed to pg_dump.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}
