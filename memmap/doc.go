// Package memmap reconstructs the graph of typed kernel objects reachable
// from the global variables of a memory snapshot.
//
// Every object found is a Node holding a symbols.Instance plus the
// probability that the object is live and correctly typed. A node's
// probability combines the node-local estimate of an Oracle with the
// probabilities of its parent and its children:
//
//	probability = initial * parent * mean(child candidate probabilities)
//
// Members whose type is ambiguous produce several sibling nodes at the same
// address, the candidates. While the set of candidates at an address is
// incomplete, a candidate neither contributes to its parent's probability
// nor propagates its own changes upwards.
//
// A Map is filled by Build, which walks the graph with several workers,
// highest probability first. Once all workers are done, the candidate sets
// are completed and their probabilities propagated.
package memmap
