// Command keystone-smoke exercises the public façade end to end against a
// throwaway directory: put, get, a conditional put, a query, a
// transact_write, a flush and a health check. It is not a CLI — just enough to drive the engine once
// from outside its own test suite.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/keystonedb/keystone"
)

func main() {
	dir, err := os.MkdirTemp("", "keystone-smoke-*")
	if err != nil {
		log.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(dir)

	db, err := keystone.Open(dir, keystone.DefaultConfig())
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	userKey := keystone.Key{PK: []byte("user#42"), SK: []byte("profile")}
	err = db.Put(userKey, keystone.Item{
		"name":    keystone.String("ada"),
		"balance": keystone.NumberFromInt(100),
	}, nil)
	if err != nil {
		log.Fatalf("put: %v", err)
	}

	item, found, err := db.Get(userKey)
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	fmt.Printf("get user#42/profile: found=%v item=%v\n", found, item)

	err = db.Put(userKey, keystone.Item{"name": keystone.String("ada"), "balance": keystone.NumberFromInt(0)},
		func(cur keystone.Item, exists bool) bool { return exists })
	if err != nil {
		log.Fatalf("conditional put: %v", err)
	}

	orderKey := keystone.Key{PK: []byte("user#42"), SK: []byte("order#1")}
	if err := db.Put(orderKey, keystone.Item{"total": keystone.Number("9.99")}, nil); err != nil {
		log.Fatalf("put order: %v", err)
	}

	items, _, err := db.Query([]byte("user#42"), nil, 0, nil)
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	fmt.Printf("query user#42: %d items\n", len(items))

	err = db.TransactWrite([]keystone.TxnOp{
		{Key: userKey, Item: keystone.Item{"balance": keystone.NumberFromInt(50)}},
		{Key: orderKey, Delete: true},
	})
	if err != nil {
		log.Fatalf("transact_write: %v", err)
	}

	if err := db.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}
	if err := db.Health(); err != nil {
		log.Fatalf("health: %v", err)
	}

	fmt.Printf("stats: %+v\n", db.Stats())
}
