package db

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"text/template"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed schema/*.sql
var embedFiles embed.FS

const (
	EngineSQLite   = "sqlite3"
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// MigrateData fills the engine specific column types of the schema.
type MigrateData struct {
	Engine       string
	KeyType      string
	ValueType    string
	TableOptions string
}

func migrateDataFor(engine string) (MigrateData, error) {
	switch engine {
	case EngineSQLite:
		return MigrateData{Engine: engine, KeyType: "TEXT", ValueType: "BLOB"}, nil
	case EngineMySQL:
		return MigrateData{
			Engine:       engine,
			KeyType:      "VARCHAR(191)",
			ValueType:    "LONGBLOB",
			TableOptions: "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin",
		}, nil
	case EnginePostgres:
		return MigrateData{Engine: engine, KeyType: `VARCHAR(191) COLLATE "C"`, ValueType: "BYTEA"}, nil
	default:
		return MigrateData{}, fmt.Errorf("unsupported db engine %q", engine)
	}
}

// Migrate runs the embedded schema migrations for the given engine.
func Migrate(db *sql.DB, engine string) error {
	data, err := migrateDataFor(engine)
	if err != nil {
		return err
	}

	d, err := iofs.New(&templateFS{
		data: data,
		FS:   embedFiles,
	}, "schema")
	if err != nil {
		return err
	}

	var driver database.Driver
	switch engine {
	case EngineSQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case EngineMySQL:
		driver, err = mysql.WithInstance(db, &mysql.Config{})
	case EnginePostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	}

	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", d, engine, driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

type templateFile struct {
	io.ReadCloser
	info *fileInfoWithSize
}

func (t *templateFile) Stat() (fs.FileInfo, error) {
	return t.info, nil
}

// templateFS renders every schema file as a text/template.
type templateFS struct {
	data any
	embed.FS
}

func (t *templateFS) Open(name string) (fs.File, error) {
	file, err := t.FS.Open(name)
	if err != nil {
		return nil, err
	}

	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return t.FS.Open(name)
	}

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, t.data); err != nil {
		return nil, err
	}

	return &templateFile{
		ReadCloser: io.NopCloser(bytes.NewReader(buf.Bytes())),
		info:       &fileInfoWithSize{info, int64(buf.Len())},
	}, nil
}

type fileInfoWithSize struct {
	fs.FileInfo
	size int64
}

func (f *fileInfoWithSize) Size() int64 {
	return f.size
}
