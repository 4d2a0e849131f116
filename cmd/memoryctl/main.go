package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/internal/service/memory"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

// openFunc builds the service; comps may be nil when the backend has no local components.
type openFunc func(ctx context.Context, log logger.Logger) (memory.MemoryService, *memory.Components, error)

func openFromConfig(ctx context.Context, log logger.Logger) (memory.MemoryService, *memory.Components, error) {
	svc, comps, err := memory.GetService(ctx, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, comps, nil
}

func main() {
	if err := newApp(openFromConfig).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(open openFunc) *cli.App {
	var log logger.Logger = logger.NewNop()

	indexFlag := &cli.StringFlag{Name: "index", Aliases: []string{"i"}, Usage: "Index name", Value: memory.DefaultIndex}
	idFlag := &cli.StringFlag{Name: "id", Usage: "Document id", Required: true}

	run := func(action func(c *cli.Context, svc memory.MemoryService, comps *memory.Components) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			svc, comps, err := open(c.Context, log)
			if err != nil {
				return err
			}
			defer svc.Close()
			return action(c, svc, comps)
		}
	}

	return &cli.App{
		Name:  "memoryctl",
		Usage: "Ingest documents into memory and query them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: func(c *cli.Context) error {
			l, err := logger.NewLogger(
				logger.WithLevel(c.String("log-level")),
				logger.WithEncoding("console"),
				logger.WithOutputPaths([]string{"stderr"}),
			)
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			log = l
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Upload files as one document",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					indexFlag,
					&cli.StringFlag{Name: "id", Usage: "Document id, generated when empty"},
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Tag as key:value"},
					&cli.StringSliceFlag{Name: "steps", Usage: "Pipeline steps, default when empty"},
				},
				Action: run(uploadCommand),
			},
			{
				Name:      "import-text",
				Usage:     "Import a piece of text as a document",
				ArgsUsage: "TEXT",
				Flags: []cli.Flag{
					indexFlag,
					&cli.StringFlag{Name: "id", Usage: "Document id, generated when empty"},
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Tag as key:value"},
				},
				Action: run(importTextCommand),
			},
			{
				Name:   "status",
				Usage:  "Show the pipeline status of a document",
				Flags:  []cli.Flag{indexFlag, idFlag},
				Action: run(statusCommand),
			},
			{
				Name:   "delete-document",
				Usage:  "Delete a document, its files and its memories",
				Flags:  []cli.Flag{indexFlag, idFlag},
				Action: run(deleteDocumentCommand),
			},
			{
				Name:   "delete-index",
				Usage:  "Delete an index with all its documents",
				Flags:  []cli.Flag{indexFlag},
				Action: run(deleteIndexCommand),
			},
			{
				Name:   "indexes",
				Usage:  "List indexes",
				Action: run(indexesCommand),
			},
			{
				Name:      "search",
				Usage:     "Search memories",
				ArgsUsage: "QUERY",
				Flags: []cli.Flag{
					indexFlag,
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of results", Value: 5},
					&cli.Float64Flag{Name: "min-relevance", Usage: "Minimum cosine similarity"},
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Filter as key:value; repeated flags are AND-ed"},
				},
				Action: run(searchCommand),
			},
			{
				Name:      "ask",
				Usage:     "Answer a question from memories",
				ArgsUsage: "QUESTION",
				Flags: []cli.Flag{
					indexFlag,
					&cli.Float64Flag{Name: "min-relevance", Usage: "Minimum cosine similarity"},
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Filter as key:value"},
					&cli.BoolFlag{Name: "stream", Usage: "Print the answer while it is generated"},
				},
				Action: run(askCommand),
			},
			{
				Name:  "reconcile",
				Usage: "Re-enqueue stalled pipelines once (distributed mode)",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "stall-after", Usage: "Minimum time without progress", Value: 10 * time.Minute},
				},
				Action: run(reconcileCommand),
			},
		},
	}
}

func uploadCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	if c.NArg() == 0 {
		return cli.Exit("at least one file is required", 1)
	}
	tags, err := parseTags(c.StringSlice("tag"))
	if err != nil {
		return err
	}
	var files []models.UploadedFile
	for _, path := range c.Args().Slice() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		name := path[strings.LastIndexAny(path, `/\`)+1:]
		files = append(files, models.UploadedFile{Name: name, Content: f})
	}
	id, err := svc.ImportDocument(c.Context, &models.DocumentUploadRequest{
		Index:      c.String("index"),
		DocumentID: c.String("id"),
		Tags:       tags,
		Steps:      models.ParseSteps(c.StringSlice("steps")),
		Files:      files,
	})
	if err != nil {
		return err
	}
	return printJSON(c, map[string]string{"index": c.String("index"), "documentId": id})
}

func importTextCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return cli.Exit("text is required", 1)
	}
	tags, err := parseTags(c.StringSlice("tag"))
	if err != nil {
		return err
	}
	id, err := svc.ImportText(c.Context, c.String("index"), c.String("id"), text, tags, nil)
	if err != nil {
		return err
	}
	return printJSON(c, map[string]string{"index": c.String("index"), "documentId": id})
}

func statusCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	st, err := svc.GetDocumentStatus(c.Context, c.String("index"), c.String("id"))
	if err != nil {
		return err
	}
	if st == nil {
		return cli.Exit("document not found", 1)
	}
	return printJSON(c, st)
}

func deleteDocumentCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	return svc.DeleteDocument(c.Context, c.String("index"), c.String("id"))
}

func deleteIndexCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	return svc.DeleteIndex(c.Context, c.String("index"))
}

func indexesCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	indexes, err := svc.ListIndexes(c.Context)
	if err != nil {
		return err
	}
	for _, i := range indexes {
		fmt.Fprintln(c.App.Writer, i.Name)
	}
	return nil
}

func searchCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	filters, err := parseFilters(c.StringSlice("tag"))
	if err != nil {
		return err
	}
	res, err := svc.Search(c.Context, &models.SearchQuery{
		Index:        c.String("index"),
		Query:        strings.Join(c.Args().Slice(), " "),
		Filters:      filters,
		MinRelevance: c.Float64("min-relevance"),
		Limit:        c.Int("limit"),
	})
	if err != nil {
		return err
	}
	return printJSON(c, res)
}

func askCommand(c *cli.Context, svc memory.MemoryService, _ *memory.Components) error {
	filters, err := parseFilters(c.StringSlice("tag"))
	if err != nil {
		return err
	}
	q := &models.MemoryQuery{
		Index:        c.String("index"),
		Question:     strings.Join(c.Args().Slice(), " "),
		Filters:      filters,
		MinRelevance: c.Float64("min-relevance"),
	}
	if !c.Bool("stream") {
		ans, err := svc.Ask(c.Context, q, nil)
		if err != nil {
			return err
		}
		return printJSON(c, ans)
	}
	streamed := false
	ans, err := svc.Ask(c.Context, q, func(_ context.Context, chunk string) error {
		streamed = true
		_, err := fmt.Fprint(c.App.Writer, chunk)
		return err
	})
	if err != nil {
		return err
	}
	if !streamed {
		fmt.Fprint(c.App.Writer, ans.Text)
	}
	fmt.Fprintln(c.App.Writer)
	return nil
}

var errNotDistributed = errors.New("reconcile requires PIPELINE_MODE=distributed")

func reconcileCommand(c *cli.Context, _ memory.MemoryService, comps *memory.Components) error {
	if comps == nil || comps.Distributed == nil {
		return errNotDistributed
	}
	n, err := orchestration.NewReconciler(comps.Distributed, c.Duration("stall-after")).Sweep(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "resumed %d pipelines\n", n)
	return nil
}

func parseTags(raw []string) (models.TagCollection, error) {
	tags := models.TagCollection{}
	for _, r := range raw {
		k, v, err := models.ParseTag(r)
		if err != nil {
			return nil, err
		}
		tags.Add(k, v)
	}
	return tags, nil
}

// parseFilters turns the tag flags into a single AND-ed filter.
func parseFilters(raw []string) ([]models.TagCollection, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tags, err := parseTags(raw)
	if err != nil {
		return nil, err
	}
	return []models.TagCollection{tags}, nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
