// Command poolctl inspects and exercises quad-block memory pools.
package main

func main() {
	execute()
}
