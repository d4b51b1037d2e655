// Package importer builds file DAGs from a stream of chunks.
package importer

import (
	ipld "github.com/ipfs/go-ipld-format"

	chunker "github.com/merklefs/merklefs/chunker"
	h "github.com/merklefs/merklefs/unixfs/importer/helpers"
	trickle "github.com/merklefs/merklefs/unixfs/importer/trickle"
)

// BuildDagFromReader creates a DAG from the data in the given chunker
// stream. The trickle layout is used so that the resulting file can
// later be appended to in place.
func BuildDagFromReader(ds ipld.DAGService, spl chunker.Splitter) (ipld.Node, error) {
	dbp := h.DagBuilderParams{
		Dagserv:  ds,
		Maxlinks: h.DefaultLinksPerBlock,
	}

	db, err := dbp.New(spl)
	if err != nil {
		return nil, err
	}
	return trickle.Layout(db)
}
