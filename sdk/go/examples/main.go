// Command examples drives a running MetaHost through the Go SDK.
//
//	METAHOST_URL=http://127.0.0.1:8080 METAHOST_API_TOKEN=secret go run ./sdk/go/examples meta list
//
// Without arguments it prints the plugin table and the latest history.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"MetaHost/sdk/go/metahost"
)

func main() {
	baseURL := os.Getenv("METAHOST_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := metahost.NewClient(baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	client.SetAccessToken(os.Getenv("METAHOST_API_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(os.Args) > 1 {
		out, err := client.Exec(ctx, strings.Join(os.Args[1:], " "))
		if out != "" {
			fmt.Println(out)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	plugins, err := client.List(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("%d plugins\n", len(plugins))
	for _, p := range plugins {
		fmt.Printf("  [%02d] %-9s %s\n", p.ID, p.Status, p.Path)
	}

	records, err := client.History(ctx, metahost.HistoryQuery{Limit: 10})
	if err != nil {
		if metahost.IsCode(err, "STORAGE_FAILURE") {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, r := range records {
		fmt.Printf("%s %-9s #%d %s\n", r.Timestamp.Format(time.RFC3339), r.Kind, r.PluginID, r.Path)
	}
}
