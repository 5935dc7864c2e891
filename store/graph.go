package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/mnemobot/mnemo/core"
)

// InsertNode creates a node and returns the stored row in a single
// round-trip via RETURNING.
func (s *Store) InsertNode(ctx context.Context, n Node) (*Node, error) {
	var blob any
	if n.Embedding != nil {
		b, err := s.encodeVector(n.Embedding)
		if err != nil {
			return nil, err
		}
		blob = b
	}
	now := fmtTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO knowledge_nodes (id, user_id, label, node_type, properties, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, user_id, label, node_type, properties, embedding, created_at, updated_at`,
		core.NewID(), n.UserID, n.Label, nullStr(n.NodeType), marshalMeta(n.Properties), blob, now, now)
	stored, err := scanNode(row)
	if err != nil {
		return nil, wrapErr("insert_node", err)
	}
	return &stored, nil
}

// GetNode fetches one node, requiring ownership.
func (s *Store) GetNode(ctx context.Context, userID, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, node_type, properties, embedding, created_at, updated_at
		FROM knowledge_nodes WHERE user_id = ? AND id = ?`, userID, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get_node", err)
	}
	return &n, nil
}

// UpdateNode overwrites label, type, properties and optionally the embedding.
func (s *Store) UpdateNode(ctx context.Context, n Node) error {
	var blob any
	if n.Embedding != nil {
		b, err := s.encodeVector(n.Embedding)
		if err != nil {
			return err
		}
		blob = b
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_nodes
		SET label = ?, node_type = ?, properties = ?,
		    embedding = COALESCE(?, embedding)
		WHERE user_id = ? AND id = ?`,
		n.Label, nullStr(n.NodeType), marshalMeta(n.Properties), blob, n.UserID, n.ID)
	if err != nil {
		return wrapErr("update_node", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return &core.GraphError{Op: "update_node", EntityID: n.ID, Err: fmt.Errorf("node not found")}
	}
	return nil
}

// DeleteNode removes a node; incident edges cascade via the FK constraints.
func (s *Store) DeleteNode(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_nodes WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return false, wrapErr("delete_node", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// NodesByUser streams the user's nodes, optionally restricted by type, for
// in-process similarity ranking.
func (s *Store) NodesByUser(ctx context.Context, userID, nodeType string) ([]Node, error) {
	q := `SELECT id, user_id, label, node_type, properties, embedding, created_at, updated_at
	      FROM knowledge_nodes WHERE user_id = ?`
	args := []any{userID}
	if nodeType != "" {
		q += " AND node_type = ?"
		args = append(args, nodeType)
	}
	q += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("nodes_by_user", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, wrapErr("nodes_by_user", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, wrapErr("nodes_by_user", rows.Err())
}

// NodeOwners returns the owner of each id; used to verify that both endpoints
// of an edge belong to the caller before insertion.
func (s *Store) NodeOwners(ctx context.Context, ids ...string) (map[string]string, error) {
	owners := make(map[string]string, len(ids))
	for _, id := range ids {
		var owner string
		err := s.db.QueryRowContext(ctx,
			`SELECT user_id FROM knowledge_nodes WHERE id = ?`, id).Scan(&owner)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, wrapErr("node_owners", err)
		}
		owners[id] = owner
	}
	return owners, nil
}

// InsertEdge creates one typed edge. Uniqueness of (source, target, type) is
// enforced by the schema and surfaces as StoreConflict.
func (s *Store) InsertEdge(ctx context.Context, e Edge) (string, error) {
	id := core.NewID()
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_edges (id, source_id, target_id, edge_type, weight, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.SourceID, e.TargetID, e.EdgeType, e.Weight, marshalMeta(e.Properties), now, now)
	if err != nil {
		return "", wrapErr("insert_edge", err)
	}
	return id, nil
}

// GetEdge fetches an edge together with the owner of its source node so the
// caller can authorize deletion.
func (s *Store) GetEdge(ctx context.Context, edgeID string) (*Edge, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.source_id, e.target_id, e.edge_type, e.weight, e.properties, e.created_at, n.user_id
		FROM knowledge_edges e
		JOIN knowledge_nodes n ON n.id = e.source_id
		WHERE e.id = ?`, edgeID)
	var e Edge
	var props sql.NullString
	var created, owner string
	err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.EdgeType, &e.Weight, &props, &created, &owner)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", wrapErr("get_edge", err)
	}
	e.Properties = unmarshalMeta(props)
	e.CreatedAt = parseTime(created)
	return &e, owner, nil
}

// DeleteEdge removes one edge by id.
func (s *Store) DeleteEdge(ctx context.Context, edgeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_edges WHERE id = ?`, edgeID)
	if err != nil {
		return false, wrapErr("delete_edge", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EdgesOfNode returns all edges incident to the node, either direction.
func (s *Store) EdgesOfNode(ctx context.Context, userID, nodeID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.source_id, e.target_id, e.edge_type, e.weight, e.properties, e.created_at
		FROM knowledge_edges e
		JOIN knowledge_nodes n ON n.id = e.source_id
		WHERE n.user_id = ? AND (e.source_id = ? OR e.target_id = ?)
		ORDER BY e.id`, userID, nodeID, nodeID)
	if err != nil {
		return nil, wrapErr("edges_of_node", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var props sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.EdgeType, &e.Weight, &props, &created); err != nil {
			return nil, wrapErr("edges_of_node", err)
		}
		e.Properties = unmarshalMeta(props)
		e.CreatedAt = parseTime(created)
		edges = append(edges, e)
	}
	return edges, wrapErr("edges_of_node", rows.Err())
}

// Neighbors returns distinct neighbor nodes of nodeID in the given direction
// (out, in or both), optionally restricted to one edge type. The both case is
// a single union query.
func (s *Store) Neighbors(ctx context.Context, userID, nodeID, direction, edgeType string) ([]Node, error) {
	outQ := `SELECT n.id, n.user_id, n.label, n.node_type, n.properties, n.embedding, n.created_at, n.updated_at
	         FROM knowledge_edges e JOIN knowledge_nodes n ON n.id = e.target_id
	         WHERE e.source_id = ? AND n.user_id = ?`
	inQ := `SELECT n.id, n.user_id, n.label, n.node_type, n.properties, n.embedding, n.created_at, n.updated_at
	        FROM knowledge_edges e JOIN knowledge_nodes n ON n.id = e.source_id
	        WHERE e.target_id = ? AND n.user_id = ?`

	var q string
	var args []any
	typeFilter := ""
	if edgeType != "" {
		typeFilter = " AND e.edge_type = ?"
	}
	switch direction {
	case "out":
		q = outQ + typeFilter
		args = []any{nodeID, userID}
	case "in":
		q = inQ + typeFilter
		args = []any{nodeID, userID}
	case "both":
		q = outQ + typeFilter + " UNION " + inQ + typeFilter
		args = []any{nodeID, userID}
		if edgeType != "" {
			args = append(args, edgeType)
		}
		args = append(args, nodeID, userID)
	default:
		return nil, &core.GraphError{Op: "neighbors", Err: fmt.Errorf("invalid direction %q", direction)}
	}
	if edgeType != "" {
		args = append(args, edgeType)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("neighbors", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, wrapErr("neighbors", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("neighbors", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// FindPath runs a breadth-first search from source to target bounded by
// maxDepth using a recursive CTE; traversal never leaves the user partition.
// It returns the node ids along the shortest path found, or nil.
func (s *Store) FindPath(ctx context.Context, userID, sourceID, targetID string, maxDepth int, edgeTypes []string) ([]string, error) {
	typeFilter := ""
	args := []any{sourceID, userID}
	if len(edgeTypes) > 0 {
		placeholders := ""
		for i, t := range edgeTypes {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, t)
		}
		typeFilter = " AND e.edge_type IN (" + placeholders + ")"
	}
	args = append(args, userID, maxDepth, targetID)

	// path is a '/'-joined id list; ids are UUIDs so '/' never collides.
	row := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE walk(node_id, path, depth) AS (
			SELECT id, id, 0 FROM knowledge_nodes WHERE id = ? AND user_id = ?
			UNION ALL
			SELECT e.target_id, walk.path || '/' || e.target_id, walk.depth + 1
			FROM knowledge_edges e
			JOIN walk ON walk.node_id = e.source_id
			JOIN knowledge_nodes t ON t.id = e.target_id
			WHERE instr(walk.path, e.target_id) = 0`+typeFilter+`
			  AND t.user_id = ?
			  AND walk.depth < ?
		)
		SELECT path FROM walk WHERE node_id = ? ORDER BY depth LIMIT 1`, args...)

	var path string
	err := row.Scan(&path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find_path", err)
	}
	return splitPath(path), nil
}

func splitPath(p string) []string {
	var ids []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			ids = append(ids, p[start:i])
			start = i + 1
		}
	}
	ids = append(ids, p[start:])
	return ids
}

func scanNode(r rowScanner) (Node, error) {
	var n Node
	var nodeType, props sql.NullString
	var blob []byte
	var created, updated string
	if err := r.Scan(&n.ID, &n.UserID, &n.Label, &nodeType, &props, &blob, &created, &updated); err != nil {
		return Node{}, err
	}
	n.NodeType = nodeType.String
	n.Properties = unmarshalMeta(props)
	if len(blob) > 0 {
		n.Embedding = decodeVector(blob)
	}
	n.CreatedAt = parseTime(created)
	n.UpdatedAt = parseTime(updated)
	return n, nil
}
