package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// regdump prints the raw contents of a registry database for offline
// auditing. It opens the file read-only so it can run against a live node's
// copy without risk.
func main() {
	if len(os.Args) != 2 && len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <bioreg.db> [bucket]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Buckets: nodes, subjects, subjectindex, authlog, metadata\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	only := ""
	if len(os.Args) == 3 {
		only = os.Args[2]
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		ReadOnly: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	buckets := []string{"nodes", "subjects", "subjectindex", "authlog", "metadata"}

	err = db.View(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if only != "" && name != only {
				continue
			}

			bucket := tx.Bucket([]byte(name))
			if bucket == nil {
				return fmt.Errorf("bucket not found: %s", name)
			}

			fmt.Printf("== %s ==\n", name)
			if err := bucket.ForEach(func(k, v []byte) error {
				fmt.Printf("%s\t%s\n", renderKey(name, k), renderValue(v))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// renderKey decodes authlog ids, which are stored as big-endian uint64.
func renderKey(bucket string, k []byte) string {
	if bucket == "authlog" && len(k) == 8 {
		return fmt.Sprintf("%d", binary.BigEndian.Uint64(k))
	}
	return string(k)
}

// renderValue pretty-prints JSON records and falls back to hex for binary
// metadata such as counters.
func renderValue(v []byte) string {
	var buf json.RawMessage
	if json.Unmarshal(v, &buf) == nil {
		compact, err := json.Marshal(buf)
		if err == nil {
			return string(compact)
		}
	}
	return fmt.Sprintf("0x%x", v)
}
