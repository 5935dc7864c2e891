// Package graph implements the per-user typed knowledge digraph: embedded
// nodes, weighted directed edges, similarity search and bounded path finding.
// Persistence and traversal live in the store; this layer owns embeddings,
// ownership checks and ranking.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mnemobot/mnemo/core"
	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/store"
)

// Service exposes graph operations for all users; every call names its user
// partition explicitly.
type Service struct {
	store    *store.Store
	embedder embedding.Embedder
	// threshold is the minimum cosine similarity, in [-1,1], for a node to
	// count as a search match.
	threshold float64
	logger    logging.Logger
}

// Options configure the service.
type Options struct {
	// SimilarityThreshold is the default search cutoff, cosine in [-1,1].
	SimilarityThreshold float64
	Logger              logging.Logger
}

// New builds the service.
func New(s *store.Store, e embedding.Embedder, optFns ...func(o *Options)) *Service {
	opts := Options{SimilarityThreshold: 0.3, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Service{store: s, embedder: e, threshold: opts.SimilarityThreshold, logger: opts.Logger}
}

// embedNode derives the node vector from label and type together so typed
// nodes with the same label stay distinguishable.
func (s *Service) embedNode(ctx context.Context, label, nodeType string) ([]float32, error) {
	text := label
	if nodeType != "" {
		text = label + " " + nodeType
	}
	return s.embedder.Embed(ctx, text)
}

// AddNode embeds label+type and inserts the node in a single round-trip.
func (s *Service) AddNode(ctx context.Context, userID, label, nodeType string, properties map[string]any) (*store.Node, error) {
	if label == "" {
		return nil, &core.GraphError{Op: "add_node", Err: errors.New("label must be non-empty")}
	}
	vec, err := s.embedNode(ctx, label, nodeType)
	if err != nil {
		return nil, &core.GraphError{Op: "add_node", Err: err}
	}
	n, err := s.store.InsertNode(ctx, store.Node{
		UserID: userID, Label: label, NodeType: nodeType,
		Properties: properties, Embedding: vec,
	})
	if err != nil {
		return nil, &core.GraphError{Op: "add_node", Err: err}
	}
	return n, nil
}

// GetNode fetches one node or nil.
func (s *Service) GetNode(ctx context.Context, userID, id string) (*store.Node, error) {
	n, err := s.store.GetNode(ctx, userID, id)
	if err != nil {
		return nil, &core.GraphError{Op: "get_node", EntityID: id, Err: err}
	}
	return n, nil
}

// UpdateNode merges properties into the node and, when the label or type
// changed, recomputes the embedding.
func (s *Service) UpdateNode(ctx context.Context, userID, id, label, nodeType string, properties map[string]any) (*store.Node, error) {
	n, err := s.store.GetNode(ctx, userID, id)
	if err != nil {
		return nil, &core.GraphError{Op: "update_node", EntityID: id, Err: err}
	}
	if n == nil {
		return nil, &core.GraphError{Op: "update_node", EntityID: id, Err: errors.New("node not found")}
	}

	reembed := false
	if label != "" && label != n.Label {
		n.Label = label
		reembed = true
	}
	if nodeType != "" && nodeType != n.NodeType {
		n.NodeType = nodeType
		reembed = true
	}
	if len(properties) > 0 {
		if n.Properties == nil {
			n.Properties = make(map[string]any, len(properties))
		}
		for k, v := range properties {
			n.Properties[k] = v
		}
	}
	if reembed {
		vec, err := s.embedNode(ctx, n.Label, n.NodeType)
		if err != nil {
			return nil, &core.GraphError{Op: "update_node", EntityID: id, Err: err}
		}
		n.Embedding = vec
	} else {
		n.Embedding = nil // keep the stored vector
	}
	if err := s.store.UpdateNode(ctx, *n); err != nil {
		return nil, err
	}
	return s.store.GetNode(ctx, userID, id)
}

// DeleteNode removes the node; incident edges cascade.
func (s *Service) DeleteNode(ctx context.Context, userID, id string) (bool, error) {
	ok, err := s.store.DeleteNode(ctx, userID, id)
	if err != nil {
		return false, &core.GraphError{Op: "delete_node", EntityID: id, Err: err}
	}
	return ok, nil
}

// AddEdge creates a typed edge after verifying both endpoints belong to the
// caller. Cross-user endpoints surface as AuthorizationError.
func (s *Service) AddEdge(ctx context.Context, userID, sourceID, targetID, edgeType string, weight float64, properties map[string]any) (string, error) {
	if edgeType == "" {
		return "", &core.GraphError{Op: "add_edge", Err: errors.New("edge_type must be non-empty")}
	}
	owners, err := s.store.NodeOwners(ctx, sourceID, targetID)
	if err != nil {
		return "", &core.GraphError{Op: "add_edge", Err: err}
	}
	for _, id := range []string{sourceID, targetID} {
		owner, ok := owners[id]
		if !ok {
			return "", &core.GraphError{Op: "add_edge", EntityID: id, Err: errors.New("node not found")}
		}
		if owner != userID {
			return "", &core.AuthorizationError{UserID: userID, EntityID: id}
		}
	}
	if weight == 0 {
		weight = 1.0
	}
	id, err := s.store.InsertEdge(ctx, store.Edge{
		SourceID: sourceID, TargetID: targetID,
		EdgeType: edgeType, Weight: weight, Properties: properties,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteEdge verifies ownership through the edge's endpoints, then deletes.
func (s *Service) DeleteEdge(ctx context.Context, userID, edgeID string) (bool, error) {
	e, owner, err := s.store.GetEdge(ctx, edgeID)
	if err != nil {
		return false, &core.GraphError{Op: "delete_edge", EntityID: edgeID, Err: err}
	}
	if e == nil {
		return false, nil
	}
	if owner != userID {
		return false, &core.AuthorizationError{UserID: userID, EntityID: edgeID}
	}
	return s.store.DeleteEdge(ctx, edgeID)
}

// GetEdges returns every edge incident to the node.
func (s *Service) GetEdges(ctx context.Context, userID, nodeID string) ([]store.Edge, error) {
	edges, err := s.store.EdgesOfNode(ctx, userID, nodeID)
	if err != nil {
		return nil, &core.GraphError{Op: "get_edges", EntityID: nodeID, Err: err}
	}
	return edges, nil
}

// SearchNodes ranks the user's nodes by cosine similarity to the query,
// optionally restricted by type, dropping results below the threshold. Ties
// break on primary key ascending.
func (s *Service) SearchNodes(ctx context.Context, userID, query, nodeType string, limit int, minSimilarity float64) ([]store.Node, error) {
	if minSimilarity == 0 {
		minSimilarity = s.threshold
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &core.GraphError{Op: "search_nodes", Err: err}
	}
	nodes, err := s.store.NodesByUser(ctx, userID, nodeType)
	if err != nil {
		return nil, &core.GraphError{Op: "search_nodes", Err: err}
	}

	var matches []store.Node
	for _, n := range nodes {
		if n.Embedding == nil {
			continue
		}
		n.Similarity = store.CosineSimilarity(vec, n.Embedding)
		if n.Similarity >= minSimilarity {
			matches = append(matches, n)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetNeighbors returns neighbor nodes of nodeID. Direction is out, in or
// both; edgeType optionally restricts the traversed edges.
func (s *Service) GetNeighbors(ctx context.Context, userID, nodeID, direction, edgeType string) ([]store.Node, error) {
	if direction == "" {
		direction = "both"
	}
	nodes, err := s.store.Neighbors(ctx, userID, nodeID, direction, edgeType)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// FindPath returns the node labels along the shortest path from source to
// target within maxDepth hops, or nil when unreachable.
func (s *Service) FindPath(ctx context.Context, userID, sourceID, targetID string, maxDepth int, edgeTypes []string) ([]store.Node, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	ids, err := s.store.FindPath(ctx, userID, sourceID, targetID, maxDepth, edgeTypes)
	if err != nil {
		return nil, &core.GraphError{Op: "find_path", Err: err}
	}
	if ids == nil {
		return nil, nil
	}
	path := make([]store.Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.store.GetNode(ctx, userID, id)
		if err != nil {
			return nil, &core.GraphError{Op: "find_path", EntityID: id, Err: err}
		}
		if n == nil {
			return nil, &core.GraphError{Op: "find_path", EntityID: id, Err: fmt.Errorf("path node missing")}
		}
		path = append(path, *n)
	}
	return path, nil
}
