package main

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestShellArgs(t *testing.T) {
	Convey("Positional argument helpers", t, func() {
		Convey("values parse", func() {
			v, err := floatArg([]string{"1.5"}, 0)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, 1.5)

			n, err := intArg([]string{"2"}, 0)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})

		Convey("a bare command reports a missing argument", func() {
			_, err := floatArg(nil, 0)
			So(err, ShouldNotBeNil)

			_, err = intArg([]string{}, 0)
			So(err, ShouldNotBeNil)
		})

		Convey("junk values are refused", func() {
			_, err := floatArg([]string{"wide"}, 0)
			So(err, ShouldNotBeNil)

			_, err = intArg([]string{"1.5"}, 0)
			So(err, ShouldNotBeNil)
		})
	})
}
