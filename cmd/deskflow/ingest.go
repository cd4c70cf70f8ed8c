package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luminara-labs/deskflow/config"
	"github.com/luminara-labs/deskflow/logging"
	"github.com/luminara-labs/deskflow/retrieval"
)

// chunkSize is the soft character budget per indexed chunk. Paragraphs
// accumulate until the budget is hit.
const chunkSize = 1200

var ingestCmd = &cobra.Command{
	Use:   "ingest [path ...]",
	Short: "Index knowledge-base documents (.md, .txt) into the vector store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Storage.VectorDir == "" {
		return fmt.Errorf("storage.vector_dir must be set to ingest documents")
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	retriever, respCache, err := buildRetriever(cfg, logger)
	if err != nil {
		return err
	}
	defer respCache.Close()

	total := 0
	for _, root := range args {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !indexable(path) {
				return nil
			}
			n, err := ingestFile(cmd, retriever, path)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			logger.Info("document indexed", zap.String("path", path), zap.Int("chunks", n))
			total += n
			return nil
		})
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks (knowledge base version %d)\n", total, retriever.Version())
	return nil
}

func indexable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return true
	}
	return false
}

func ingestFile(cmd *cobra.Command, retriever *retrieval.Retriever, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	docID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	chunks := chunkText(string(data))
	for i, chunk := range chunks {
		doc := retrieval.Document{
			ID:         fmt.Sprintf("%s#%d", docID, i),
			DocumentID: docID,
			Location:   fmt.Sprintf("%s#%d", filepath.Base(path), i),
			Content:    chunk,
		}
		if err := retriever.AddDocument(cmd.Context(), doc); err != nil {
			return i, err
		}
	}
	return len(chunks), nil
}

// chunkText splits on blank lines and packs paragraphs up to the chunk
// budget. A single oversized paragraph becomes its own chunk.
func chunkText(text string) []string {
	var chunks []string
	var current strings.Builder

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
