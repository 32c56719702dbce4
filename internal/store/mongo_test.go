package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/elderwatch/internal/store"
	"github.com/ent0n29/elderwatch/internal/store/storetest"
)

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// A fresh database per case keeps cases independent.
		db := fmt.Sprintf("elderwatch_test_%d", time.Now().UnixNano())
		s, err := store.NewMongoStore(ctx, uri, db)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.DropDatabase(context.Background())
			_ = s.Close()
		})
		return s
	})
}
