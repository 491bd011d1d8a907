// l2dtool inspects puppet models and previews lip-sync timing offline.
package main

func main() {
	Execute()
}
