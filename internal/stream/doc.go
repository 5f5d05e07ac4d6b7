// Package stream pairs the two legs of a call into a relay session.
// The Manager is the registry keyed by correlation key; a Session owns both
// legs and their translation channels, forwards audio between them and
// tears everything down exactly once.
package stream
