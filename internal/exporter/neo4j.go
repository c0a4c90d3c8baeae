package exporter

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/evalgo/adsyncd/internal/entity"
)

// Neo4jExporter mirrors the manager/member graph as a property graph,
// grounded on the teacher's db/repository/neo4j.go dependency-graph
// repository — MERGE-based upserts, one node label per entity, an edge
// per manager/member relationship, keyed by tag rather than action id.
type Neo4jExporter struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jExporter connects to uri and verifies connectivity.
func NewNeo4jExporter(ctx context.Context, uri, username, password string) (*Neo4jExporter, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("exporter: create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("exporter: connect to neo4j: %w", err)
	}
	return &Neo4jExporter{driver: driver}, nil
}

// Export upserts every entity as a DirectoryObject node, then the manager
// and member edges between them, all within one write session.
func (n *Neo4jExporter) Export(ctx context.Context, entities []entity.Snapshot) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, s := range entities {
			if err := mergeNode(ctx, tx, s); err != nil {
				return nil, err
			}
		}
		for _, s := range entities {
			if err := mergeManagerEdge(ctx, tx, s); err != nil {
				return nil, err
			}
			for _, memberTag := range s.DirectMembers {
				if err := mergeMemberEdge(ctx, tx, s.Tag, memberTag); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})

	return err
}

func mergeNode(ctx context.Context, tx neo4j.ManagedTransaction, s entity.Snapshot) error {
	query := `
		MERGE (o:DirectoryObject {tag: $tag})
		SET o.dn = $dn,
		    o.class = $class,
		    o.objectGuid = $objectGuid,
		    o.samAccountName = $samAccountName
	`
	params := map[string]any{
		"tag":            s.Tag,
		"dn":             s.DN,
		"class":          s.Class,
		"objectGuid":     hex.EncodeToString(s.ObjectGUID[:]),
		"samAccountName": s.SAMAccountName,
	}
	_, err := tx.Run(ctx, query, params)
	return err
}

func mergeManagerEdge(ctx context.Context, tx neo4j.ManagedTransaction, s entity.Snapshot) error {
	if !s.HasManagerTag {
		return nil
	}
	query := `
		MATCH (subordinate:DirectoryObject {tag: $subordinate})
		MATCH (manager:DirectoryObject {tag: $manager})
		MERGE (subordinate)-[:REPORTS_TO]->(manager)
	`
	params := map[string]any{"subordinate": s.Tag, "manager": s.ManagerTag}
	_, err := tx.Run(ctx, query, params)
	return err
}

func mergeMemberEdge(ctx context.Context, tx neo4j.ManagedTransaction, groupTag, memberTag int) error {
	query := `
		MATCH (member:DirectoryObject {tag: $member})
		MATCH (group:DirectoryObject {tag: $group})
		MERGE (member)-[:MEMBER_OF]->(group)
	`
	params := map[string]any{"member": memberTag, "group": groupTag}
	_, err := tx.Run(ctx, query, params)
	return err
}

// Close closes the underlying driver.
func (n *Neo4jExporter) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}
