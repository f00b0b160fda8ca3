// Package mysql provides the shared MySQL connection helper and the schema
// migration runner. Stores in other packages receive an already migrated
// *sql.DB and only care about their own queries.
package mysql
