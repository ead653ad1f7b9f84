// Command arbiter coordinates domain-expert workers over a disruption,
// arbitrates their proposals and gates the result on human approval.
package main

func main() {
	Execute()
}
