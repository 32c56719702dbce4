package store

import (
	"context"
	"testing"
)

func TestResolveDriver(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		want string
	}{
		{"default", Options{}, DriverMemory},
		{"explicit wins", Options{Driver: " Redis ", DatabaseURL: "postgres://x"}, DriverRedis},
		{"postgres first", Options{DatabaseURL: "postgres://x", MongoURI: "mongodb://y"}, DriverPostgres},
		{"mongo", Options{MongoURI: "mongodb://y", RedisURL: "redis://z"}, DriverMongo},
		{"redis", Options{RedisURL: "redis://z"}, DriverRedis},
	}
	for _, tc := range cases {
		if got := tc.opts.ResolveDriver(); got != tc.want {
			t.Fatalf("%s: ResolveDriver() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestNewStoreMemory(t *testing.T) {
	s, err := NewStore(context.Background(), Options{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}

func TestNewStoreUnknownDriver(t *testing.T) {
	if _, err := NewStore(context.Background(), Options{Driver: "sqlite"}); err == nil {
		t.Fatalf("NewStore() error = nil, want unknown driver")
	}
}
