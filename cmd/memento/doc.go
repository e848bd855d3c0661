// Command memento recovers a personal media export: it downloads every
// record listed in the export's HTML ledger, classifies and unpacks the
// payloads, composites overlay layers, removes duplicate content, and joins
// video bursts back into single clips. Progress is tracked in a ledger file
// so interrupted runs resume where they stopped.
package main
