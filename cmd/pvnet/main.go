// Command pvnet locates channels and serves them over the pvAccess network core.
package main

import "os"

func main() {
    os.Exit(execute(os.Args[1:]))
}
