package idgenerator

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// An id packs, from the highest bit down:
//
//	40 bits  milliseconds since epoch
//	 2 bits  datacenter id
//	 7 bits  node id
//	15 bits  sequence within the millisecond
const (
	MaxDataCenterId = 1<<dataCenterBits - 1
	MaxNodeId       = 1<<nodeBits - 1

	dataCenterBits = 2
	nodeBits       = 7
	sequenceBits   = 15
	maxSequence    = 1<<sequenceBits - 1

	nodeShift       = sequenceBits
	dataCenterShift = nodeShift + nodeBits
	timestampShift  = dataCenterShift + dataCenterBits
)

// epoch is 2015-12-31 13:42:54 UTC.
var epoch = time.UnixMilli(1451569374000)

var ErrClockBackwards = errors.New("clock moved backwards")

type IdGenerator interface {
	NextId() (int64, error)
	// NextTxnId returns a transaction id, the base36 form of NextId.
	NextTxnId() (string, error)
}

type snowFlake struct {
	mu      sync.Mutex
	machine int64 // datacenter and node bits
	last    int64 // milliseconds of the last id
	seq     int64
	clock   func() time.Time
}

func NewSnowflake(nodeId, datacenterId int64) (IdGenerator, error) {
	if err := checkRange("node id", nodeId, MaxNodeId); err != nil {
		return nil, err
	}
	if err := checkRange("datacenter id", datacenterId, MaxDataCenterId); err != nil {
		return nil, err
	}
	sf := &snowFlake{
		machine: datacenterId<<dataCenterShift | nodeId<<nodeShift,
		clock:   time.Now,
	}
	sf.last = sf.millis()
	return sf, nil
}

func checkRange(name string, v, max int64) error {
	if v < 0 || v > max {
		return fmt.Errorf("%s should be in range [0, %d], got %d", name, max, v)
	}
	return nil
}

func (sf *snowFlake) millis() int64 {
	return sf.clock().Sub(epoch).Milliseconds()
}

func (sf *snowFlake) NextId() (int64, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	now := sf.millis()
	switch {
	case now < sf.last:
		return -1, fmt.Errorf("%w by %dms", ErrClockBackwards, sf.last-now)
	case now == sf.last:
		sf.seq = (sf.seq + 1) & maxSequence
		if sf.seq == 0 {
			// sequence exhausted, spin into the next millisecond
			for now <= sf.last {
				runtime.Gosched()
				now = sf.millis()
			}
		}
	default:
		sf.seq = 0
	}
	sf.last = now
	return now<<timestampShift | sf.machine | sf.seq, nil
}

func (sf *snowFlake) NextTxnId() (string, error) {
	n, err := sf.NextId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 36), nil
}
