//go:build !unix

package deploy

func geteuid() int {
	return -1
}

func isReadOnly(error) bool {
	return false
}
