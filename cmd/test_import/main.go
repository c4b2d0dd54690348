package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/raushankrgupta/fitly-tryon/catalog"
	"github.com/raushankrgupta/fitly-tryon/logger"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "per-URL timeout")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		urls = []string{
			"https://amzn.in/d/8sCIA5h",
			"https://www.myntra.com/tshirts/h%26m/hm-men-white-solid-cotton-pure-cotton-t-shirt-regular-fit/11468714/buy",
			"https://www.tatacliq.com/thomas-scott-black-regular-fit-checks-shirt/p-mp000000027887447",
			"https://peterengland.abfrl.in/p/men-blue-slim-fit-shirt-39903346.html?source=plp",
		}
	}

	lg, err := logger.New("dev")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()
	importer := catalog.NewImporter(nil, lg)

	for _, u := range urls {
		fmt.Printf("Testing URL: %s\n", u)
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)

		resolved, err := importer.Resolve(ctx, u)
		if err != nil {
			log.Printf("Failed to resolve %s: %v\n", u, err)
			resolved = u
		}
		fmt.Printf("Resolved URL: %s\n", resolved)

		product, err := importer.Fetch(ctx, resolved)
		cancel()
		if err != nil {
			log.Printf("Failed to import product: %v\n", err)
			continue
		}

		category, ok := catalog.GuessCategory(product.Title + " " + product.Description)
		if !ok {
			category = "unknown"
		}
		b, _ := json.MarshalIndent(product, "", "  ")
		fmt.Printf("Product: %s\n", string(b))
		fmt.Printf("Category: %s\n", category)
		fmt.Println("--------------------------------------------------")
	}
}
