package metastore

import "github.com/BurntSushi/migration"

// qlVersioning adapts BurntSushi/migration's version-get/version-set
// contract to ql's SQL dialect, following the same dbVersion shape
// ndlib-bendo defines in server/db.go (Get treats any query error —
// typically "no such table" on a fresh database — as version 0; Set
// creates the version table lazily on first use).
type qlVersioning struct {
	GetSQL    string
	SetSQL    string
	CreateSQL string
}

func (v qlVersioning) Get(tx migration.LimitedTx) (int, error) {
	version, err := v.get(tx)
	if err != nil {
		return 0, nil
	}
	return version, nil
}

func (v qlVersioning) Set(tx migration.LimitedTx, version int) error {
	if err := v.set(tx, version); err != nil {
		if err := v.createTable(tx); err != nil {
			return err
		}
		return v.set(tx, version)
	}
	return nil
}

func (v qlVersioning) get(tx migration.LimitedTx) (int, error) {
	var version int
	row := tx.QueryRow(v.GetSQL)
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (v qlVersioning) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(v.SetSQL, version)
	return err
}

func (v qlVersioning) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(v.CreateSQL)
	if err == nil {
		err = v.set(tx, 0)
	}
	return err
}

var versioningTable = qlVersioning{
	GetSQL:    `SELECT version FROM migration_version ORDER BY version DESC LIMIT 1`,
	SetSQL:    `INSERT INTO migration_version (version) VALUES (?1)`,
	CreateSQL: `CREATE TABLE migration_version (version int)`,
}

// migrations is append-only and forward-only: new schema changes are
// added to the end of this list. DO NOT reorder or remove entries that
// have already shipped, per the same discipline ndlib-bendo documents
// on its own mysqlMigrations list.
var migrations = []migration.Migrator{
	migration001InitialSchema,
}

func migration001InitialSchema(tx migration.LimitedTx) error {
	stmts := []string{
		`CREATE TABLE installed_kegs (
			name string,
			version string,
			store_key string,
			platform_tag string,
			installed_at time
		)`,
		`CREATE INDEX installed_kegs_name ON installed_kegs (name)`,

		`CREATE TABLE store_refs (
			store_key string,
			refcount int
		)`,
		`CREATE INDEX store_refs_key ON store_refs (store_key)`,

		`CREATE TABLE link_records (
			keg_name string,
			keg_version string,
			link_path string,
			target_path string
		)`,
		`CREATE INDEX link_records_keg ON link_records (keg_name)`,
		`CREATE INDEX link_records_path ON link_records (link_path)`,

		`CREATE TABLE http_cache (
			url string,
			etag string,
			last_modified string,
			body blob,
			cached_at time
		)`,
		`CREATE INDEX http_cache_url ON http_cache (url)`,

		`CREATE TABLE taps (
			owner string,
			repo string,
			priority int,
			added_at time
		)`,
		`CREATE INDEX taps_owner ON taps (owner)`,
		`CREATE INDEX taps_repo ON taps (repo)`,
	}
	return execList(tx, stmts)
}

// execList execs each statement in order, stopping at the first error —
// the same compound-statement workaround used by execlist in
// ndlib-bendo's server/db_mysql.go, needed because the driver does not
// handle multi-statement Exec calls.
func execList(tx migration.LimitedTx, stmts []string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
