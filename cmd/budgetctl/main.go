// Command budgetctl runs ledger maintenance against the configured store.
package main

func main() {
	Execute()
}
