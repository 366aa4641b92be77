// Package knowledge mirrors the metric catalog into Neo4j as a document/metric graph.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/trialscoop/catalog"
)

// SyncCatalog replaces the session's catalog graph with report:
// (:Document {source})-[:REPORTS]->(:Metric {name, synonyms, documents, prevalence}).
func SyncCatalog(ctx context.Context, driver neo4j.DriverWithContext, session string, report catalog.Report) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	s := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer s.Close(ctx)

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := clearCatalog(ctx, tx, session); err != nil {
			return nil, err
		}

		for _, entry := range report.Entries {
			if _, err := tx.Run(ctx, `
				MERGE (m:Metric {session: $session, name: $name})
				SET m.synonyms = $synonyms,
				    m.documents = $documents,
				    m.prevalence = $prevalence,
				    m.updated_at = datetime()
			`, map[string]any{
				"session":    session,
				"name":       entry.Metric,
				"synonyms":   entry.Synonyms,
				"documents":  entry.Documents,
				"prevalence": entry.Prevalence,
			}); err != nil {
				return nil, fmt.Errorf("upsert metric node: %w", err)
			}
		}

		for source, metrics := range report.Documents {
			if _, err := tx.Run(ctx, `
				MERGE (d:Document {session: $session, source: $source})
				SET d.updated_at = datetime()
			`, map[string]any{"session": session, "source": source}); err != nil {
				return nil, fmt.Errorf("upsert document node: %w", err)
			}

			if len(metrics) == 0 {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {session: $session, source: $source})
				UNWIND $metrics AS name
				MATCH (m:Metric {session: $session, name: name})
				MERGE (d)-[:REPORTS]->(m)
			`, map[string]any{
				"session": session,
				"source":  source,
				"metrics": metrics,
			}); err != nil {
				return nil, fmt.Errorf("link document metrics: %w", err)
			}
		}

		return nil, nil
	})
	return err
}

// ClearCatalog removes the session's catalog graph.
func ClearCatalog(ctx context.Context, driver neo4j.DriverWithContext, session string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	s := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer s.Close(ctx)

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, clearCatalog(ctx, tx, session)
	})
	return err
}

func clearCatalog(ctx context.Context, tx neo4j.ManagedTransaction, session string) error {
	if _, err := tx.Run(ctx, `
		MATCH (n)
		WHERE (n:Metric OR n:Document) AND n.session = $session
		DETACH DELETE n
	`, map[string]any{"session": session}); err != nil {
		return fmt.Errorf("clear catalog graph: %w", err)
	}
	return nil
}

// DocumentsReporting lists the sources linked to a canonical metric, sorted.
func DocumentsReporting(ctx context.Context, driver neo4j.DriverWithContext, session, metric string) ([]string, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}

	s := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer s.Close(ctx)

	result, err := s.Run(ctx, `
		MATCH (d:Document {session: $session})-[:REPORTS]->(m:Metric {session: $session, name: $metric})
		RETURN d.source AS source
		ORDER BY source
	`, map[string]any{"session": session, "metric": metric})
	if err != nil {
		return nil, fmt.Errorf("run neo4j metric query: %w", err)
	}

	sources := make([]string, 0)
	for result.Next(ctx) {
		value, _ := result.Record().Get("source")
		if source, ok := value.(string); ok {
			sources = append(sources, source)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate neo4j metric query: %w", err)
	}
	return sources, nil
}
