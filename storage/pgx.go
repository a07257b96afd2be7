// pgx.go - Postgresql backed storage.
// Copyright (C) 2018  Yawning Angel.
// Copyright (C) 2026  The Onionswarm Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package storage

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"
)

const (
	pgxTagItemGet = "item_get"
	pgxTagItemSet = "item_set"

	pgxMinConns = 5

	pgxSchema = `CREATE TABLE IF NOT EXISTS onionswarm_items (
	id    TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
)

// Postgres is a Storage backed by a PostgreSQL table.
type Postgres struct {
	pool *pgx.ConnPool
	log  *logging.Logger
}

// NewPostgres connects to dataSourceName, creates the items table if
// needed and prepares the statements.
func NewPostgres(dataSourceName string, maxConns int, logLevel string, log *logging.Logger) (*Postgres, error) {
	if maxConns < pgxMinConns {
		maxConns = pgxMinConns
	}
	p := &Postgres{log: log}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(logLevel)

	isOk := false
	defer func() {
		if !isOk && p.pool != nil {
			p.pool.Close()
		}
	}()

	if p.pool, err = pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: maxConns,
	}); err != nil {
		return nil, err
	}
	if _, err = p.pool.Exec(pgxSchema); err != nil {
		return nil, fmt.Errorf("storage/pgx: failed to create schema: %v", err)
	}
	if err = p.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return p, nil
}

func (p *Postgres) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagItemGet, "SELECT value FROM onionswarm_items WHERE id = $1;"},
		{pgxTagItemSet, "INSERT INTO onionswarm_items (id, value) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value;"},
	}
	for _, v := range stmts {
		if _, err := p.pool.Prepare(v.tag, v.query); err != nil {
			p.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}
	return nil
}

// GetItem implements Storage.
func (p *Postgres) GetItem(id string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(pgxTagItemGet, id).Scan(&value)
	switch {
	case err == pgx.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return value, true, nil
}

// SetItem implements Storage.
func (p *Postgres) SetItem(id, value string) error {
	_, err := p.pool.Exec(pgxTagItemSet, id, value)
	return err
}

// Close implements Storage.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Log implements pgx.Logger.
func (p *Postgres) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		p.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.log.Warning(mStr)
	case pgx.LogLevelError:
		p.log.Error(mStr)
	}
}

func toPgxLogLevel(level string) pgx.LogLevel {
	switch strings.ToUpper(level) {
	case "ERROR":
		return pgx.LogLevelError
	case "WARNING", "NOTICE", "INFO":
		// Statement arguments carry mailbox identifiers; keep them out of
		// the log unless debugging.
		return pgx.LogLevelWarn
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		return pgx.LogLevelNone
	}
}
