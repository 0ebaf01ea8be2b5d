// privutxo - Wallet CLI for private UTXOs
package main

func main() {
	Execute()
}
