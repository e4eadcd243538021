// Command kiribi runs the server roles of a kiribi network: the NATT
// rendezvous server and the lookup directory.
package main

func main() {
	Execute()
}
