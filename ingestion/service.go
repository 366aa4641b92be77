package ingestion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Indexer is the part of the semantic index ingestion writes to.
type Indexer interface {
	Insert(ctx context.Context, chunks []Chunk) error
}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

type Service struct {
	fetcher Fetcher
	indexer Indexer
	logger  *zap.Logger
	opts    Options
}

// Report is the per-source outcome of an ingestion run.
type Report struct {
	Source   string `json:"source"`
	Sections int    `json:"sections"`
	Chunks   int    `json:"chunks"`
	Status   string `json:"status"`
	Err      error  `json:"-"`
}

func NewService(fetcher Fetcher, indexer Indexer, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = DefaultChunkOverlap
	}

	return &Service{
		fetcher: fetcher,
		indexer: indexer,
		logger:  logger,
		opts:    opts,
	}
}

// Ingest fetches, chunks and indexes one source.
func (s *Service) Ingest(ctx context.Context, rawURL string) (Report, error) {
	report := Report{Source: rawURL}
	if s.fetcher == nil || s.indexer == nil {
		return report, fmt.Errorf("ingestion service not configured")
	}

	sections, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return report, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if len(sections) == 0 {
		return report, fmt.Errorf("fetch %s returned no sections: %w", rawURL, ErrFetchUnavailable)
	}
	report.Sections = len(sections)

	return s.index(ctx, report, sections)
}

// IngestSections indexes sections supplied by the caller, bypassing the fetcher.
func (s *Service) IngestSections(ctx context.Context, rawURL string, sections []Section) (Report, error) {
	report := Report{Source: rawURL, Sections: len(sections)}
	if s.indexer == nil {
		return report, fmt.Errorf("ingestion service not configured")
	}
	if len(sections) == 0 {
		return report, fmt.Errorf("no sections for %s: %w", rawURL, ErrFetchUnavailable)
	}
	return s.index(ctx, report, sections)
}

func (s *Service) index(ctx context.Context, report Report, sections []Section) (Report, error) {
	chunks := ChunkSections(report.Source, sections, s.opts.ChunkSize, s.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return report, fmt.Errorf("no text in %s: %w", report.Source, ErrFetchUnavailable)
	}

	if err := s.indexer.Insert(ctx, chunks); err != nil {
		return report, fmt.Errorf("index %s: %w", report.Source, err)
	}

	report.Chunks = len(chunks)
	report.Status = fmt.Sprintf("Ingested %d chunks from %d sections.", len(chunks), len(sections))
	s.logger.Info("ingested source",
		zap.String("source", report.Source),
		zap.Int("sections", len(sections)),
		zap.Int("chunks", len(chunks)),
	)
	return report, nil
}

// IngestAll ingests every URL in order. A failing source is reported and skipped.
func (s *Service) IngestAll(ctx context.Context, urls []string) []Report {
	reports := make([]Report, 0, len(urls))
	for _, rawURL := range urls {
		report, err := s.Ingest(ctx, rawURL)
		if err != nil {
			report.Err = err
			report.Status = failureStatus(err)
			s.logger.Warn("ingest failed", zap.String("source", rawURL), zap.Error(err))
		}
		reports = append(reports, report)
	}
	return reports
}

// Document is a source whose sections were supplied by the caller rather than fetched.
type Document struct {
	Source   string    `json:"source"`
	Sections []Section `json:"sections"`
}

// IngestDocuments is IngestAll for pre-parsed documents.
func (s *Service) IngestDocuments(ctx context.Context, docs []Document) []Report {
	reports := make([]Report, 0, len(docs))
	for _, doc := range docs {
		report, err := s.IngestSections(ctx, doc.Source, doc.Sections)
		if err != nil {
			report.Err = err
			report.Status = failureStatus(err)
			s.logger.Warn("ingest failed", zap.String("source", doc.Source), zap.Error(err))
		}
		reports = append(reports, report)
	}
	return reports
}

func failureStatus(err error) string {
	if errors.Is(err, ErrFetchUnavailable) {
		return "Skipped: content unavailable."
	}
	return fmt.Sprintf("Failed: %v", err)
}

// Summarize counts successful and failed reports.
func Summarize(reports []Report) (ok, failed, chunks int) {
	for _, r := range reports {
		if r.Err != nil {
			failed++
			continue
		}
		ok++
		chunks += r.Chunks
	}
	return ok, failed, chunks
}
