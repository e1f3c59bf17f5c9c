// Package client is the Go SDK for a powledger node's HTTP API.
//
// Nodes use it to talk to each other (fetching chains, announcing blocks,
// registering as peers) and ledgerctl uses it to drive a node.
//
//	c, err := client.New("http://localhost:5000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rec, err := c.SubmitRecord(ctx, "ada", "hello")
//	res, err := c.Mine(ctx)
//	chain, err := c.Chain(ctx)
//
// Errors returned for non-2xx responses wrap ErrNotFound, ErrRejected or
// ErrConflict where the status maps to one of them, so callers can branch with
// errors.Is.
package client
