package initstate

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS init_states (
	layer  INTEGER PRIMARY KEY,
	hx     BLOB NOT NULL,
	cx     BLOB NOT NULL
);
`

// #endregion schema

// #region store-struct
// BundleStore persists one initial-state bundle per SQLite file,
// a vector pair (hx, cx) per layer.
type BundleStore struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// OpenBundleStore opens a SQLite file and runs migrations.
func OpenBundleStore(dbPath string) (*BundleStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &BundleStore{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *BundleStore) Close() error {
	return s.db.Close()
}

// #endregion close

// #region save
// Save writes an unbatched bundle, replacing any previous content.
func (s *BundleStore) Save(bundle model.Bundle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM init_states`); err != nil {
		return fmt.Errorf("clear init states: %w", err)
	}

	for layer, ls := range bundle {
		if ls.Hx.Rank() != 1 || ls.Cx.Rank() != 1 {
			return fmt.Errorf("layer %d: only unbatched vectors are persisted", layer)
		}
		_, err := tx.Exec(
			`INSERT INTO init_states (layer, hx, cx) VALUES (?, ?, ?)`,
			layer, encodeVector(ls.Hx.Data), encodeVector(ls.Cx.Data),
		)
		if err != nil {
			return fmt.Errorf("insert layer %d: %w", layer, err)
		}
	}

	return tx.Commit()
}

// #endregion save

// #region load
// Load reads the persisted bundle. Validation against a model size spec is
// the factory's job, not the store's.
func (s *BundleStore) Load() (model.Bundle, error) {
	rows, err := s.db.Query(`SELECT layer, hx, cx FROM init_states ORDER BY layer`)
	if err != nil {
		return nil, fmt.Errorf("read init states: %w", err)
	}
	defer rows.Close()

	bundle := make(model.Bundle)
	for rows.Next() {
		var layer int
		var hxBlob, cxBlob []byte
		if err := rows.Scan(&layer, &hxBlob, &cxBlob); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		bundle[layer] = model.LayerState{
			Hx: backend.Vector(decodeVector(hxBlob)),
			Cx: backend.Vector(decodeVector(cxBlob)),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read init states: %w", err)
	}
	if len(bundle) == 0 {
		return nil, fmt.Errorf("init state store is empty")
	}
	return bundle, nil
}

// #endregion load

// #region vector-encoding
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// #endregion vector-encoding
