package registry

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// fakeConn satisfies Endpoint with a settable refcount.
type fakeConn struct {
	refcount int
}

func (fc *fakeConn) Refcount() int {
	return fc.refcount
}

func announce(method string, conn *fakeConn) *WorkerMethod {
	return &WorkerMethod{Method: method, Conn: conn}
}

func announceFiltered(method, key, value string, conn *fakeConn) *WorkerMethod {
	return &WorkerMethod{Method: method, Conn: conn, FilterKey: key, FilterValue: value}
}

func TestAddAndPick(t *testing.T) {
	Convey("Given an empty registry", t, func() {
		registry := New()

		Convey("Then picking returns nothing", func() {
			So(registry.Pick("backend.add"), ShouldBeNil)
		})

		Convey("When a worker announces", func() {
			wm := announce("backend.add", &fakeConn{})
			So(registry.Add(wm), ShouldBeNil)

			Convey("Then it is picked every time", func() {
				So(registry.Pick("backend.add"), ShouldEqual, wm)
				So(registry.Pick("backend.add"), ShouldEqual, wm)
			})

			Convey("Then other backends stay empty", func() {
				So(registry.Pick("backend.other"), ShouldBeNil)
			})
		})
	})
}

func TestRoundRobinFairness(t *testing.T) {
	Convey("Given three workers with equal refcounts", t, func() {
		registry := New()

		w1 := announce("backend.add", &fakeConn{})
		w2 := announce("backend.add", &fakeConn{})
		w3 := announce("backend.add", &fakeConn{})

		So(registry.Add(w1), ShouldBeNil)
		So(registry.Add(w2), ShouldBeNil)
		So(registry.Add(w3), ShouldBeNil)

		Convey("Then three picks hit each worker once", func() {
			seen := map[*WorkerMethod]int{}

			for i := 0; i < 3; i++ {
				seen[registry.Pick("backend.add")]++
			}

			So(seen[w1], ShouldEqual, 1)
			So(seen[w2], ShouldEqual, 1)
			So(seen[w3], ShouldEqual, 1)
		})
	})
}

func TestLeastLoadedPreference(t *testing.T) {
	Convey("Given workers with different refcounts", t, func() {
		registry := New()

		busy := &fakeConn{refcount: 2}
		idle := &fakeConn{}

		w1 := announce("backend.add", busy)
		w2 := announce("backend.add", idle)

		So(registry.Add(w1), ShouldBeNil)
		So(registry.Add(w2), ShouldBeNil)

		Convey("Then the idle worker wins regardless of rotation", func() {
			So(registry.Pick("backend.add"), ShouldEqual, w2)
			So(registry.Pick("backend.add"), ShouldEqual, w2)
		})
	})
}

func TestFilteredBuckets(t *testing.T) {
	Convey("Given workers announcing different filter values", t, func() {
		registry := New()

		eu := announceFiltered("backend.route", "region", "eu", &fakeConn{})
		us := announceFiltered("backend.route", "region", "us", &fakeConn{})

		So(registry.Add(eu), ShouldBeNil)
		So(registry.Add(us), ShouldBeNil)

		Convey("Then picks route to the matching bucket", func() {
			So(registry.PickFiltered("backend.route", "eu"), ShouldEqual, eu)
			So(registry.PickFiltered("backend.route", "us"), ShouldEqual, us)
		})

		Convey("Then an unannounced value has no worker", func() {
			So(registry.PickFiltered("backend.route", "apac"), ShouldBeNil)
		})

		Convey("Then a flat pick sees no worker either", func() {
			So(registry.Pick("backend.route"), ShouldBeNil)
		})
	})
}

func TestFilterFormConflict(t *testing.T) {
	Convey("Given a backend announced flat", t, func() {
		registry := New()
		So(registry.Add(announce("backend.add", &fakeConn{})), ShouldBeNil)

		Convey("Then a filtered announcement is rejected", func() {
			err := registry.Add(announceFiltered("backend.add", "region", "eu", &fakeConn{}))
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a backend announced filtered", t, func() {
		registry := New()
		So(registry.Add(announceFiltered("backend.route", "region", "eu", &fakeConn{})), ShouldBeNil)

		Convey("Then a flat announcement is rejected", func() {
			err := registry.Add(announce("backend.route", &fakeConn{}))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestRemoveCleansUp(t *testing.T) {
	Convey("Given a flat backend with two workers", t, func() {
		registry := New()

		w1 := announce("backend.add", &fakeConn{})
		w2 := announce("backend.add", &fakeConn{})
		So(registry.Add(w1), ShouldBeNil)
		So(registry.Add(w2), ShouldBeNil)

		Convey("When one withdraws", func() {
			registry.Remove(w1)

			Convey("Then the other still serves", func() {
				So(registry.Pick("backend.add"), ShouldEqual, w2)
			})
		})

		Convey("When both withdraw", func() {
			registry.Remove(w1)
			registry.Remove(w2)

			Convey("Then the backend disappears", func() {
				So(registry.Pick("backend.add"), ShouldBeNil)
				So(registry.Backends(), ShouldBeEmpty)
			})

			Convey("Then the form resets for re-announcement", func() {
				err := registry.Add(announceFiltered("backend.add", "region", "eu", &fakeConn{}))
				So(err, ShouldBeNil)
			})
		})
	})

	Convey("Given a filtered backend", t, func() {
		registry := New()

		eu := announceFiltered("backend.route", "region", "eu", &fakeConn{})
		us := announceFiltered("backend.route", "region", "us", &fakeConn{})
		So(registry.Add(eu), ShouldBeNil)
		So(registry.Add(us), ShouldBeNil)

		Convey("When one value empties", func() {
			registry.Remove(eu)

			Convey("Then its bucket is gone but the backend remains", func() {
				So(registry.PickFiltered("backend.route", "eu"), ShouldBeNil)
				So(registry.PickFiltered("backend.route", "us"), ShouldEqual, us)
				So(registry.Backends(), ShouldResemble, []string{"backend.route"})
			})
		})

		Convey("When all values empty", func() {
			registry.Remove(eu)
			registry.Remove(us)

			Convey("Then the backend is gone", func() {
				So(registry.Backends(), ShouldBeEmpty)
			})
		})
	})
}

func TestAnnouncements(t *testing.T) {
	Convey("Given a filtered backend with several values", t, func() {
		registry := New()

		us := announceFiltered("backend.route", "region", "us", &fakeConn{})
		eu := announceFiltered("backend.route", "region", "eu", &fakeConn{})
		So(registry.Add(us), ShouldBeNil)
		So(registry.Add(eu), ShouldBeNil)

		Convey("Then announcements list in sorted value order", func() {
			So(registry.Announcements("backend.route"), ShouldResemble, []*WorkerMethod{eu, us})
		})
	})

	Convey("Given an unknown backend", t, func() {
		So(New().Announcements("backend.none"), ShouldBeNil)
	})
}
