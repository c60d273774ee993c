package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS Device (
	NodeID INTEGER,
	Endpoint INTEGER,
	DeviceType INTEGER,
	TopicID TEXT,
	PRIMARY KEY (NodeID, Endpoint)
);
CREATE TABLE IF NOT EXISTS UniqueID (
	NodeID INTEGER,
	Name TEXT,
	UniqueID TEXT,
	PRIMARY KEY (NodeID)
);
CREATE TABLE IF NOT EXISTS Attribute (
	NodeID INTEGER,
	Endpoint INTEGER,
	Cluster TEXT,
	Attribute TEXT,
	Type TEXT,
	Value TEXT,
	PRIMARY KEY (NodeID, Endpoint, Cluster, Attribute)
);`

// SQLite implements Registry on a single shared SQLite connection.
// Every write is a single statement or a short transaction, so a
// cancelled process never leaves a half-mutated row behind.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the registry database at path and ensures the
// schema exists. The parent directory is created when missing.
func Open(path string, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite permits one writer; funneling all statements through a
	// single connection avoids SQLITE_BUSY under concurrent polling.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	logger.Info("registry database ready", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) NewNodeID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(NodeID) FROM Device`).Scan(&max); err != nil {
		return 0, fmt.Errorf("allocating node id: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return uint64(max.Int64) + 1, nil
}

func (s *SQLite) InsertDevice(ctx context.Context, d Device) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO Device (NodeID, Endpoint, DeviceType, TopicID) VALUES (?, ?, ?, ?)`,
		d.NodeID, d.Endpoint, d.DeviceType, d.TopicID)
	if err != nil {
		return false, fmt.Errorf("inserting device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		s.logger.Warn("device already registered",
			zap.Uint64("node", d.NodeID), zap.Uint16("endpoint", d.Endpoint))
		return false, nil
	}
	return true, nil
}

func (s *SQLite) DeleteDevice(ctx context.Context, nodeID uint64, endpoint uint16) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM Attribute WHERE NodeID = ? AND Endpoint = ?`, nodeID, endpoint); err != nil {
		return fmt.Errorf("deleting device attributes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM Device WHERE NodeID = ? AND Endpoint = ?`, nodeID, endpoint); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) DeleteNode(ctx context.Context, nodeID uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM Attribute WHERE NodeID = ?`,
		`DELETE FROM Device WHERE NodeID = ?`,
		`DELETE FROM UniqueID WHERE NodeID = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, nodeID); err != nil {
			return fmt.Errorf("deleting node rows: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) InsertUniqueID(ctx context.Context, nodeID uint64, name, uniqueID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO UniqueID (NodeID, Name, UniqueID) VALUES (?, ?, ?)`,
		nodeID, name, uniqueID)
	if err != nil {
		return false, fmt.Errorf("inserting unique id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) UpdateDeviceName(ctx context.Context, nodeID uint64, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE UniqueID SET Name = ? WHERE NodeID = ?`, name, nodeID)
	if err != nil {
		return fmt.Errorf("updating device name: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) CreateAttributeEntry(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute, attrType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO Attribute (NodeID, Endpoint, Cluster, Attribute, Type, Value)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		nodeID, endpoint, cluster, attribute, attrType)
	if err != nil {
		return fmt.Errorf("creating attribute entry: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateAttributeValue(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute, value string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE Attribute SET Value = ? WHERE NodeID = ? AND Endpoint = ? AND Cluster = ? AND Attribute = ?`,
		value, nodeID, endpoint, cluster, attribute)
	if err != nil {
		return fmt.Errorf("updating attribute value: %w", err)
	}
	return nil
}

func (s *SQLite) AttributeValue(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT Value FROM Attribute WHERE NodeID = ? AND Endpoint = ? AND Cluster = ? AND Attribute = ?`,
		nodeID, endpoint, cluster, attribute).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading attribute value: %w", err)
	}
	if !value.Valid {
		return "", false, nil
	}
	return value.String, true, nil
}

const deviceColumns = `d.NodeID, d.Endpoint, d.DeviceType, d.TopicID,
	COALESCE(u.Name, ''), COALESCE(u.UniqueID, '')
	FROM Device d LEFT JOIN UniqueID u ON u.NodeID = d.NodeID`

func (s *SQLite) Devices(ctx context.Context) ([]Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` ORDER BY d.NodeID, d.Endpoint`)
}

func (s *SQLite) DevicesByNode(ctx context.Context, nodeID uint64) ([]Device, error) {
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` WHERE d.NodeID = ? ORDER BY d.Endpoint`, nodeID)
}

func (s *SQLite) DeviceByNodeEndpoint(ctx context.Context, nodeID uint64, endpoint uint16) (*Device, error) {
	devices, err := s.queryDevices(ctx,
		`SELECT `+deviceColumns+` WHERE d.NodeID = ? AND d.Endpoint = ?`, nodeID, endpoint)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}
	return &devices[0], nil
}

func (s *SQLite) DeviceByTopicID(ctx context.Context, topicID string) (*Device, error) {
	devices, err := s.queryDevices(ctx,
		`SELECT `+deviceColumns+` WHERE d.TopicID = ?`, topicID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}
	return &devices[0], nil
}

func (s *SQLite) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.NodeID, &d.Endpoint, &d.DeviceType, &d.TopicID, &d.Name, &d.UniqueID); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLite) EndpointsByNode(ctx context.Context, nodeID uint64) ([]uint16, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Endpoint FROM Device WHERE NodeID = ? ORDER BY Endpoint`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []uint16
	for rows.Next() {
		var ep uint16
		if err := rows.Scan(&ep); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

const attributeColumns = `NodeID, Endpoint, Cluster, Attribute, COALESCE(Type, ''), Value FROM Attribute`

func (s *SQLite) Attributes(ctx context.Context) ([]Attribute, error) {
	return s.queryAttributes(ctx,
		`SELECT `+attributeColumns+` ORDER BY NodeID, Endpoint, Cluster, Attribute`)
}

func (s *SQLite) AttributesByDevice(ctx context.Context, nodeID uint64, endpoint uint16) ([]Attribute, error) {
	return s.queryAttributes(ctx,
		`SELECT `+attributeColumns+` WHERE NodeID = ? AND Endpoint = ? ORDER BY Cluster, Attribute`,
		nodeID, endpoint)
}

func (s *SQLite) queryAttributes(ctx context.Context, query string, args ...any) ([]Attribute, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attributes: %w", err)
	}
	defer rows.Close()

	var attrs []Attribute
	for rows.Next() {
		var (
			a     Attribute
			value sql.NullString
		)
		if err := rows.Scan(&a.NodeID, &a.Endpoint, &a.Cluster, &a.Attribute, &a.Type, &value); err != nil {
			return nil, fmt.Errorf("scanning attribute: %w", err)
		}
		if value.Valid {
			a.Value = &value.String
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

func (s *SQLite) ClustersByDevice(ctx context.Context, nodeID uint64, endpoint uint16) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT Cluster FROM Attribute WHERE NodeID = ? AND Endpoint = ? ORDER BY Cluster`,
		nodeID, endpoint)
}

func (s *SQLite) AttributeNamesByCluster(ctx context.Context, nodeID uint64, endpoint uint16, cluster string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT Attribute FROM Attribute WHERE NodeID = ? AND Endpoint = ? AND Cluster = ? ORDER BY Attribute`,
		nodeID, endpoint, cluster)
}

func (s *SQLite) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying registry: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) TrackedEndpoints(ctx context.Context) ([]EndpointRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT NodeID, Endpoint FROM Attribute ORDER BY NodeID, Endpoint`)
	if err != nil {
		return nil, fmt.Errorf("querying tracked endpoints: %w", err)
	}
	defer rows.Close()

	var refs []EndpointRef
	for rows.Next() {
		var ref EndpointRef
		if err := rows.Scan(&ref.NodeID, &ref.Endpoint); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
