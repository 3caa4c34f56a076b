// Tally - multi-source cloud inventory reconciliation.
// Discover. Reconcile. Compare.
package main

func main() {
	Execute()
}
