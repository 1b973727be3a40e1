package journal

import (
	"bufio"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// maxLineBytes bounds a single journal line. Raw order-book snapshots are the
// largest records and stay well under this.
const maxLineBytes = 4 << 20

// ReadPartition loads every record of one partition file in append order,
// which is also seq order. Blank lines are skipped so a partially written
// trailing line does not poison replay of the rest of the file.
func ReadPartition(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode partition %s line %d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan partition: %w", err)
	}
	return records, nil
}
