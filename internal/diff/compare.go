package diff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Options configures diff behaviour.
type Options struct {
	SampleLimit int
}

// Summary reports the differences per table.
type Summary struct {
	Uplinks TableDiff
	Devices TableDiff
}

// Equal reports whether both stores hold the same rows.
func (s Summary) Equal() bool {
	return s.Uplinks.Equal() && s.Devices.Equal()
}

// TableDiff counts fingerprints present in one database but not the other.
type TableDiff struct {
	OnlyA       int
	OnlyB       int
	SampleOnlyA []string
	SampleOnlyB []string
}

// Equal reports whether no fingerprint differs.
func (d TableDiff) Equal() bool {
	return d.OnlyA == 0 && d.OnlyB == 0
}

// CompareSQLite fingerprints the uplinks (by dedup key) and devices of two SQLite
// stores and reports rows found on only one side.
func CompareSQLite(ctx context.Context, pathA, pathB string, opts Options) (Summary, error) {
	if pathA == "" || pathB == "" {
		return Summary{}, errors.New("diff: both database paths must be provided")
	}

	dbA, err := openDB(pathA)
	if err != nil {
		return Summary{}, err
	}
	defer dbA.Close()

	dbB, err := openDB(pathB)
	if err != nil {
		return Summary{}, err
	}
	defer dbB.Close()

	uplinkQuery, err := fingerprintQuery(ctx, dbA, dbB, "uplinks", uplinkKeyColumns)
	if err != nil {
		return Summary{}, fmt.Errorf("diff uplinks: %w", err)
	}
	uplinksA, err := collectFingerprints(ctx, dbA, uplinkQuery)
	if err != nil {
		return Summary{}, fmt.Errorf("diff uplinks (A): %w", err)
	}
	uplinksB, err := collectFingerprints(ctx, dbB, uplinkQuery)
	if err != nil {
		return Summary{}, fmt.Errorf("diff uplinks (B): %w", err)
	}

	deviceQuery, err := fingerprintQuery(ctx, dbA, dbB, "devices", deviceColumns)
	if err != nil {
		return Summary{}, fmt.Errorf("diff devices: %w", err)
	}
	devicesA, err := collectFingerprints(ctx, dbA, deviceQuery)
	if err != nil {
		return Summary{}, fmt.Errorf("diff devices (A): %w", err)
	}
	devicesB, err := collectFingerprints(ctx, dbB, deviceQuery)
	if err != nil {
		return Summary{}, fmt.Errorf("diff devices (B): %w", err)
	}

	return Summary{
		Uplinks: diffMaps(uplinksA, uplinksB, opts.SampleLimit),
		Devices: diffMaps(devicesA, devicesB, opts.SampleLimit),
	}, nil
}

func openDB(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("diff: resolve path %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("diff: open sqlite %s: %w", abs, err)
	}
	return db, nil
}

func collectFingerprints(ctx context.Context, db *sql.DB, query string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		result[fp]++
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// diffMaps compares fingerprint multisets. b is consumed.
func diffMaps(a, b map[string]int, sampleLimit int) TableDiff {
	var out TableDiff
	if sampleLimit < 0 {
		sampleLimit = 0
	}

	for key, countA := range a {
		countB := b[key]
		delete(b, key)
		if countA > countB {
			out.OnlyA += countA - countB
			out.SampleOnlyA = appendSamples(out.SampleOnlyA, key, countA-countB, sampleLimit)
		} else if countB > countA {
			out.OnlyB += countB - countA
			out.SampleOnlyB = appendSamples(out.SampleOnlyB, key, countB-countA, sampleLimit)
		}
	}
	for key, countB := range b {
		out.OnlyB += countB
		out.SampleOnlyB = appendSamples(out.SampleOnlyB, key, countB, sampleLimit)
	}

	sort.Strings(out.SampleOnlyA)
	sort.Strings(out.SampleOnlyB)
	return out
}

func appendSamples(samples []string, key string, n, limit int) []string {
	for i := 0; i < n && len(samples) < limit; i++ {
		samples = append(samples, key)
	}
	return samples
}

var (
	uplinkKeyColumns = []string{"dev_eui", "fcnt", "data_hex"}
	deviceColumns    = []string{"dev_eui", "app_name", "device_name"}
)

func fingerprintQuery(ctx context.Context, dbA, dbB *sql.DB, table string, required []string) (string, error) {
	schemaA, err := tableColumnTypes(ctx, dbA, table)
	if err != nil {
		return "", err
	}
	schemaB, err := tableColumnTypes(ctx, dbB, table)
	if err != nil {
		return "", err
	}

	cols := make([]columnInfo, 0, len(required))
	for _, name := range required {
		typ, okA := schemaA[name]
		_, okB := schemaB[name]
		if !okA || !okB {
			return "", fmt.Errorf("table %s: required column %s missing in one of the databases", table, name)
		}
		cols = append(cols, columnInfo{Name: name, Type: typ})
	}

	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	parts := make([]string, 0, len(cols)*2)
	for _, col := range cols {
		expr := columnExpression(col)
		parts = append(parts, fmt.Sprintf("'%s', %s", col.Name, expr))
	}

	return fmt.Sprintf("SELECT json_object(%s) FROM %s", strings.Join(parts, ", "), table), nil
}

type columnInfo struct {
	Name string
	Type string
}

func tableColumnTypes(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		result[name] = strings.ToUpper(typeName)
	}

	return result, rows.Err()
}

// columnExpression keeps NULL distinct from zero so a missing fCnt never
// collides with fCnt 0.
func columnExpression(col columnInfo) string {
	switch {
	case col.Name == "dev_eui":
		return "UPPER(dev_eui)"
	case strings.Contains(col.Type, "BLOB"):
		return fmt.Sprintf("hex(%s)", col.Name)
	default:
		return col.Name
	}
}
