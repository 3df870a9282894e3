// Command ratelimit-reset clears the current rate limit window of one organization by calling
// the admin listener of a running API.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"ontour.app/internal/auth"
)

func main() {
	log.SetFlags(0)
	flags := pflag.NewFlagSet("ratelimit-reset", pflag.ExitOnError)
	addr := flags.String("admin", envOr("ONTOUR_ADMIN_URL", "http://127.0.0.1:9090"), "admin listener base URL")
	timeout := flags.Duration("timeout", 5*time.Second, "request deadline")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: ratelimit-reset [--admin URL] ORGANIZATION_ID...")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	secret := os.Getenv("ONTOUR_AUTH_SECRET")
	if secret == "" {
		log.Fatal("ONTOUR_AUTH_SECRET is required to derive the admin key")
	}
	key, err := auth.AdminKey([]byte(secret))
	if err != nil {
		log.Fatalf("admin key: %v", err)
	}

	client := &http.Client{Timeout: *timeout}
	failed := false
	for _, org := range flags.Args() {
		if err := reset(client, *addr, key, org); err != nil {
			log.Printf("%s: %v", org, err)
			failed = true
			continue
		}
		fmt.Printf("%s: reset\n", org)
	}
	if failed {
		os.Exit(1)
	}
}

func reset(client *http.Client, base, key, org string) error {
	endpoint := strings.TrimRight(base, "/") + "/internal/ratelimit/" + url.PathEscape(org) + "/reset"
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Key", key)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
