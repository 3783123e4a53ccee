// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package testlib

import "math/rand"

// RandString returns a random ASCII letter string of the given size, or of a
// random size in [from, to) when two sizes are given.
func RandString(size ...int) string {
	letterRunes := []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

	var n int
	if len(size) == 1 {
		n = size[0]
	} else {
		from := size[0]
		to := size[1]
		n = from + rand.Intn(to-from)
	}
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

// RandQualifiedName returns a random dotted class name such as
// `abc.defgh.Ijk`.
func RandQualifiedName() string {
	return RandString(2, 6) + "." + RandString(2, 8) + "." + RandString(2, 10)
}
