// Vigil - security finding dispatch engine
// Detect. Dispatch. Report.
package main

func main() {
	Execute()
}
