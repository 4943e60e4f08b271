// Command dbinspect prints a read-only summary of a badger subscriber store.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
)

const (
	recordPrefix = "subscriber:"
	indexPrefix  = "subscriber:idx:"
)

func main() {
	email := flag.String("email", "", "print the full record for one email")
	limit := flag.Int("n", 10, "number of records to list per status")
	flag.Parse()

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = os.ExpandEnv("$HOME/Gatekeeper/data/badger")
	}

	opts := badger.DefaultOptions(dbPath).
		WithReadOnly(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if *email != "" {
		printRecord(db, *email)
		return
	}

	fmt.Println("=== Database Inspection ===")
	fmt.Println()

	now := time.Now()
	byStatus := make(map[domain.Status][]*domain.Subscriber)
	var total, expired, withAccount, withLink, indexKeys int

	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			if strings.HasPrefix(key, indexPrefix) {
				indexKeys++
				continue
			}

			err := item.Value(func(val []byte) error {
				var sub domain.Subscriber
				if err := json.Unmarshal(val, &sub); err != nil {
					return err
				}
				total++
				if sub.IsExpired(now) {
					expired++
				}
				if sub.HasAccount() {
					withAccount++
				}
				if sub.HasLink() {
					withLink++
				}
				byStatus[sub.Status] = append(byStatus[sub.Status], &sub)
				return nil
			})
			if err != nil {
				log.Printf("Error reading record %s: %v", key, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Error iterating database: %v", err)
	}

	statuses := make([]string, 0, len(byStatus))
	for status := range byStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	for _, status := range statuses {
		subs := byStatus[domain.Status(status)]
		fmt.Printf("%s (%d)\n", status, len(subs))
		for i, sub := range subs {
			if i >= *limit {
				fmt.Printf("  ... and %d more\n", len(subs)-*limit)
				break
			}
			fmt.Printf("  %-40s expires %s  account %d\n", sub.Email, sub.ExpiresAt.Format("2006-01-02"), sub.Account())
		}
		fmt.Println()
	}

	fmt.Println("=== Summary ===")
	fmt.Printf("Total subscribers: %d\n", total)
	fmt.Printf("Past expiry: %d\n", expired)
	fmt.Printf("With account: %d\n", withAccount)
	fmt.Printf("With invite link: %d\n", withLink)
	fmt.Printf("Index keys: %d\n", indexKeys)
}

func printRecord(db *badger.DB, email string) {
	key := recordPrefix + strings.ToLower(strings.TrimSpace(email))
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var sub domain.Subscriber
			if err := json.Unmarshal(val, &sub); err != nil {
				return err
			}
			out, err := json.MarshalIndent(sub, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	})
	if err != nil {
		log.Fatalf("Failed to read %s: %v", key, err)
	}
}
