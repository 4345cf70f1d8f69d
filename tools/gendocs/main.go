// Command gendocs generates man pages and markdown docs from the CLI.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra/doc"

	"trosyn.dev/go/trosync/internal/cli"
)

func main() {
	header := &doc.GenManHeader{
		Title:   "TROSYNCD",
		Section: "1",
		Source:  "trosyn",
		Manual:  "trosyncd manual",
	}

	if err := os.MkdirAll("./man", 0o755); err != nil {
		log.Fatalf("create man directory: %v", err)
	}
	if err := doc.GenManTree(cli.RootCmd, header, "./man"); err != nil {
		log.Fatalf("generate man pages: %v", err)
	}
	log.Println("man pages generated in ./man")

	if err := os.MkdirAll("./docs/cli", 0o755); err != nil {
		log.Fatalf("create docs directory: %v", err)
	}
	if err := doc.GenMarkdownTree(cli.RootCmd, "./docs/cli"); err != nil {
		log.Fatalf("generate markdown docs: %v", err)
	}
	log.Println("markdown docs generated in ./docs/cli")
}
