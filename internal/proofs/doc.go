// Package proofs fingerprints plugin modules and signs lifecycle records so
// that the load history can be attested after the fact.
package proofs
