package turbodl

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func Test_Partition(t *testing.T) {
	Convey("When a known size is partitioned across several workers", t, func() {
		chunks, err := partition(1000, 4)
		So(err, ShouldBeNil)
		So(len(chunks), ShouldEqual, 4)

		var total int64
		for i, c := range chunks {
			So(c.Index, ShouldEqual, i)
			So(c.Len(), ShouldBeGreaterThan, 0)
			total += c.Len()
		}
		So(total, ShouldEqual, 1000)

		Convey("chunks are contiguous and ascending", func() {
			for i := 1; i < len(chunks); i++ {
				So(chunks[i].Start, ShouldEqual, chunks[i-1].End+1)
			}
		})
	})

	Convey("When worker count would produce a zero-length last segment", t, func() {
		// 5 bytes over 10 workers: ceil(5/10)=1, 9*1=9 > 5, so worker
		// count must shrink until the remainder is positive.
		chunks, err := partition(5, 10)
		So(err, ShouldBeNil)
		So(len(chunks), ShouldBeLessThanOrEqualTo, 5)

		var total int64
		for _, c := range chunks {
			So(c.Len(), ShouldBeGreaterThan, 0)
			total += c.Len()
		}
		So(total, ShouldEqual, 5)
	})

	Convey("When size is unknown, partition returns a single open-ended chunk", t, func() {
		chunks, err := partition(SizeUnknown, 8)
		So(err, ShouldBeNil)
		So(len(chunks), ShouldEqual, 1)
		So(chunks[0].Start, ShouldEqual, 0)
		So(chunks[0].End, ShouldEqual, UnknownEnd)
	})

	Convey("When size is zero, partition returns a single empty chunk", t, func() {
		chunks, err := partition(0, 8)
		So(err, ShouldBeNil)
		So(len(chunks), ShouldEqual, 1)
		So(chunks[0].Start, ShouldEqual, 0)
		So(chunks[0].End, ShouldEqual, -1)
	})
}

func Test_ResolveWorkerCount(t *testing.T) {
	Convey("When the remote doesn't support ranges, worker count is 1", t, func() {
		info := RemoteFileInfo{Size: 100 * oneMiB, SupportsRanges: false}
		So(resolveWorkerCount(info, Options{}.WithDefaults()), ShouldEqual, MinWorkers)
	})

	Convey("When size is unknown, worker count is 1", t, func() {
		info := RemoteFileInfo{Size: SizeUnknown, SupportsRanges: true}
		So(resolveWorkerCount(info, Options{}.WithDefaults()), ShouldEqual, MinWorkers)
	})

	Convey("When size is at or below 1 MiB, worker count is 1", t, func() {
		info := RemoteFileInfo{Size: oneMiB, SupportsRanges: true}
		So(resolveWorkerCount(info, Options{}.WithDefaults()), ShouldEqual, MinWorkers)
	})

	Convey("When the caller pins max_connections, that value wins", t, func() {
		info := RemoteFileInfo{Size: 500 * oneMiB, SupportsRanges: true}
		opts := Options{MaxConnections: 6}.WithDefaults()
		So(resolveWorkerCount(info, opts), ShouldEqual, 6)

		Convey("clamped to MaxWorkers", func() {
			opts.MaxConnections = 999
			So(resolveWorkerCount(info, opts), ShouldEqual, MaxWorkers)
		})
	})

	Convey("When left to auto, worker count grows with size and speed", t, func() {
		small := resolveWorkerCount(RemoteFileInfo{Size: 5 * oneMiB, SupportsRanges: true}, Options{}.WithDefaults())
		large := resolveWorkerCount(RemoteFileInfo{Size: 4 * (1 << 30), SupportsRanges: true}, Options{}.WithDefaults())
		So(small, ShouldBeLessThanOrEqualTo, large)
		So(large, ShouldBeLessThanOrEqualTo, MaxWorkers)
	})
}

func Test_BuildPlan(t *testing.T) {
	Convey("Given a probed file that supports ranges", t, func() {
		info := RemoteFileInfo{Size: 10 * oneMiB, SupportsRanges: true}
		opts := Options{MaxConnections: 4}.WithDefaults()

		plan, err := BuildPlan(info, opts, false)
		So(err, ShouldBeNil)
		So(plan.WorkerCount, ShouldEqual, len(plan.Chunks))
		So(plan.UseRAMBuffer, ShouldBeTrue)

		Convey("RAM buffer is disabled automatically on a RAM-backed destination", func() {
			plan2, err := BuildPlan(info, opts, true)
			So(err, ShouldBeNil)
			So(plan2.UseRAMBuffer, ShouldBeFalse)
		})

		Convey("an explicit RAMBufferOff always wins", func() {
			opts.UseRAMBuffer = RAMBufferOff
			plan3, err := BuildPlan(info, opts, false)
			So(err, ShouldBeNil)
			So(plan3.UseRAMBuffer, ShouldBeFalse)
		})
	})
}

func Test_BufferCapacity(t *testing.T) {
	Convey("Capacity never exceeds the 1 GiB ceiling", t, func() {
		c := BufferCapacity(10<<20, 64<<30)
		So(c, ShouldBeLessThanOrEqualTo, int64(1)<<30)
	})

	Convey("Capacity is a power of two when neither the RAM nor the 1 GiB cap binds", t, func() {
		c := BufferCapacity(3*1024, 1<<30)
		So(c&(c-1), ShouldEqual, 0)
	})
}
