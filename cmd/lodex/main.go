// Command lodex is a single-binary CLI over a lodex document store: put,
// get, delete, stats, and tab-separated bulk dump/load.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/slode/lodex/internal/logging"
	"github.com/slode/lodex/store"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "lodex:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "lodex",
		Usage: "an embedded radix-indexed document store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "database.ldx", Usage: "path to the database file"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			lvl := zerolog.InfoLevel
			if c.Bool("verbose") {
				lvl = zerolog.DebugLevel
			}
			logging.Configure(os.Stderr, lvl, true)
			return nil
		},
		Commands: []*cli.Command{
			putCommand,
			getCommand,
			deleteCommand,
			statsCommand,
			dumpCommand,
			loadCommand,
		},
	}
}

func openStore(c *cli.Context) (*store.Store, error) {
	return store.Open(c.String("db"))
}

var putCommand = &cli.Command{
	Name:      "put",
	Usage:     "store a document, given field=value pairs",
	ArgsUsage: "field=value [field=value...]",
	Action: func(c *cli.Context) error {
		if c.Args().Len() == 0 {
			return cli.Exit("put requires at least one field=value pair", 1)
		}
		doc := map[string]any{}
		for _, kv := range c.Args().Slice() {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return cli.Exit(fmt.Sprintf("invalid field=value pair: %q", kv), 1)
			}
			doc[k] = v
		}

		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := s.Put(doc)
		if err != nil {
			return err
		}
		if err := s.Commit(); err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "fetch a document by an indexed attribute's value",
	ArgsUsage: "[attr] value",
	Action: func(c *cli.Context) error {
		attr, value, err := attrValueArgs(c)
		if err != nil {
			return err
		}

		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		doc, err := s.Get(attr, value)
		if err != nil {
			return cli.Exit(err, 1)
		}
		for k, v := range doc {
			fmt.Printf("%s\t%v\n", k, v)
		}
		return nil
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "delete a document by its _id",
	ArgsUsage: "id",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return cli.Exit("delete requires exactly one _id argument", 1)
		}
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Delete(c.Args().First()); err != nil {
			return cli.Exit(err, 1)
		}
		return s.Commit()
	},
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "print the number of live documents",
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		var n int
		if err := s.Walk(func(map[string]any) error { n++; return nil }); err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var dumpCommand = &cli.Command{
	Name:  "dump",
	Usage: "print every live document as tab-separated fields",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "sep", Value: "\t", Usage: "field separator"},
	},
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		sep := c.String("sep")
		w := bufio.NewWriter(os.Stdout)
		defer w.Flush()

		return s.Walk(func(doc map[string]any) error {
			fields := make([]string, 0, len(doc))
			for k, v := range doc {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
			_, err := fmt.Fprintln(w, strings.Join(fields, sep))
			return err
		})
	},
}

var loadCommand = &cli.Command{
	Name:      "load",
	Usage:     "bulk load tab-separated field=value records from stdin",
	ArgsUsage: "[--sep S]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "sep", Value: "\t", Usage: "field separator"},
	},
	Action: func(c *cli.Context) error {
		s, err := openStore(c)
		if err != nil {
			return err
		}
		defer s.Close()

		sep := c.String("sep")
		scanner := bufio.NewScanner(os.Stdin)
		var n int
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			doc := map[string]any{}
			for _, field := range strings.Split(line, sep) {
				k, v, ok := strings.Cut(field, "=")
				if !ok {
					continue
				}
				doc[k] = v
			}
			if _, err := s.Put(doc); err != nil {
				return err
			}
			n++
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		if err := s.Commit(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "loaded %d documents\n", n)
		return nil
	},
}

// attrValueArgs parses "get" arguments: either a single value (looked up
// by "_id") or an "attr value" pair.
func attrValueArgs(c *cli.Context) (string, string, error) {
	switch c.Args().Len() {
	case 1:
		return "_id", c.Args().First(), nil
	case 2:
		return c.Args().Get(0), c.Args().Get(1), nil
	default:
		return "", "", cli.Exit("get requires either a value (looked up by _id) or an attr and a value", 1)
	}
}
