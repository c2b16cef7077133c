package registration

import (
	"fmt"
	"sort"

	"github.com/golang/geo/r3"
)

// PointSet is the read-only view the engine takes over a point collection,
// whether it came from a real cloud or from sampling a mesh.
type PointSet interface {
	// Size returns the number of points.
	Size() int
	// PointAt returns point i, or ErrOutOfRange.
	PointAt(i int) (r3.Vector, error)
	// ScalarAt returns the active scalar channel's value for point i. It
	// fails with ErrNoChannel while no channel is active.
	ScalarAt(i int) (float64, error)
}

// ScalarChannels is implemented by point sets that store named per-point
// scalar channels, one of which may be active.
type ScalarChannels interface {
	ActiveChannel() (string, bool)
	Channel(name string) ([]float64, bool)
	CreateChannel(name string) error
	SetActiveChannel(name string) error
	ClearActiveChannel()
	DeleteChannel(name string) error
}

// channelSet is the scalar channel storage shared by Cloud and Cloud32.
type channelSet struct {
	channels map[string][]float64
	active   string
}

func (cs *channelSet) ActiveChannel() (string, bool) {
	if cs.active == "" {
		return "", false
	}
	return cs.active, true
}

func (cs *channelSet) Channel(name string) ([]float64, bool) {
	values, ok := cs.channels[name]
	return values, ok
}

// ChannelNames lists the stored channels in name order.
func (cs *channelSet) ChannelNames() []string {
	names := make([]string, 0, len(cs.channels))
	for name := range cs.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cs *channelSet) createChannel(name string, size int) error {
	if name == "" {
		return fmt.Errorf("channel name is required: %w", ErrInvalidInput)
	}
	if _, exists := cs.channels[name]; exists {
		return fmt.Errorf("channel %q already exists: %w", name, ErrInvalidInput)
	}
	if cs.channels == nil {
		cs.channels = make(map[string][]float64)
	}
	cs.channels[name] = make([]float64, size)
	return nil
}

func (cs *channelSet) SetActiveChannel(name string) error {
	if _, ok := cs.channels[name]; !ok {
		return fmt.Errorf("activating %q: %w", name, ErrNoChannel)
	}
	cs.active = name
	return nil
}

func (cs *channelSet) ClearActiveChannel() {
	cs.active = ""
}

func (cs *channelSet) DeleteChannel(name string) error {
	if _, ok := cs.channels[name]; !ok {
		return fmt.Errorf("deleting %q: %w", name, ErrNoChannel)
	}
	delete(cs.channels, name)
	if cs.active == name {
		cs.active = ""
	}
	return nil
}

func (cs *channelSet) scalarAt(i, size int) (float64, error) {
	if i < 0 || i >= size {
		return 0, fmt.Errorf("scalar %d of %d: %w", i, size, ErrOutOfRange)
	}
	if cs.active == "" {
		return 0, ErrNoChannel
	}
	return cs.channels[cs.active][i], nil
}

// Cloud is a double precision point set.
type Cloud struct {
	channelSet
	points []r3.Vector
}

var (
	_ PointSet       = (*Cloud)(nil)
	_ ScalarChannels = (*Cloud)(nil)
)

// NewCloud wraps points without copying them.
func NewCloud(points []r3.Vector) *Cloud {
	return &Cloud{points: points}
}

// Add appends a point. Channels created earlier are extended with zeros.
func (c *Cloud) Add(p r3.Vector) {
	c.points = append(c.points, p)
	for name, values := range c.channels {
		c.channels[name] = append(values, 0)
	}
}

func (c *Cloud) Size() int {
	return len(c.points)
}

func (c *Cloud) PointAt(i int) (r3.Vector, error) {
	if i < 0 || i >= len(c.points) {
		return r3.Vector{}, fmt.Errorf("point %d of %d: %w", i, len(c.points), ErrOutOfRange)
	}
	return c.points[i], nil
}

func (c *Cloud) ScalarAt(i int) (float64, error) {
	return c.scalarAt(i, len(c.points))
}

func (c *Cloud) CreateChannel(name string) error {
	return c.createChannel(name, len(c.points))
}

// Points returns the backing slice. Callers must not modify it while the
// cloud is being registered.
func (c *Cloud) Points() []r3.Vector {
	return c.points
}

// Cloud32 is a single precision point set storing packed xyz triples.
type Cloud32 struct {
	channelSet
	coords []float32
}

var (
	_ PointSet       = (*Cloud32)(nil)
	_ ScalarChannels = (*Cloud32)(nil)
)

// NewCloud32 wraps packed xyz coordinates. len(coords) must be a multiple of 3.
func NewCloud32(coords []float32) (*Cloud32, error) {
	if len(coords)%3 != 0 {
		return nil, fmt.Errorf("packed coordinates length %d is not a multiple of 3: %w", len(coords), ErrInvalidInput)
	}
	return &Cloud32{coords: coords}, nil
}

// Add appends a point, rounding it to single precision.
func (c *Cloud32) Add(p r3.Vector) {
	c.coords = append(c.coords, float32(p.X), float32(p.Y), float32(p.Z))
	for name, values := range c.channels {
		c.channels[name] = append(values, 0)
	}
}

func (c *Cloud32) Size() int {
	return len(c.coords) / 3
}

func (c *Cloud32) PointAt(i int) (r3.Vector, error) {
	if i < 0 || i >= c.Size() {
		return r3.Vector{}, fmt.Errorf("point %d of %d: %w", i, c.Size(), ErrOutOfRange)
	}
	j := 3 * i
	return r3.Vector{X: float64(c.coords[j]), Y: float64(c.coords[j+1]), Z: float64(c.coords[j+2])}, nil
}

func (c *Cloud32) ScalarAt(i int) (float64, error) {
	return c.scalarAt(i, c.Size())
}

func (c *Cloud32) CreateChannel(name string) error {
	return c.createChannel(name, c.Size())
}

// Subset is a reference view: an ordered list of indices into a parent set.
// It never copies coordinates.
type Subset struct {
	parent  PointSet
	indices []int
}

var _ PointSet = (*Subset)(nil)

// NewSubset creates a view of parent restricted to indices.
func NewSubset(parent PointSet, indices []int) (*Subset, error) {
	n := parent.Size()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("subset index %d of %d: %w", idx, n, ErrOutOfRange)
		}
	}
	return &Subset{parent: parent, indices: indices}, nil
}

func (s *Subset) Size() int {
	return len(s.indices)
}

func (s *Subset) PointAt(i int) (r3.Vector, error) {
	if i < 0 || i >= len(s.indices) {
		return r3.Vector{}, fmt.Errorf("point %d of %d: %w", i, len(s.indices), ErrOutOfRange)
	}
	return s.parent.PointAt(s.indices[i])
}

func (s *Subset) ScalarAt(i int) (float64, error) {
	if i < 0 || i >= len(s.indices) {
		return 0, fmt.Errorf("scalar %d of %d: %w", i, len(s.indices), ErrOutOfRange)
	}
	return s.parent.ScalarAt(s.indices[i])
}

// Parent returns the set this view refers to.
func (s *Subset) Parent() PointSet {
	return s.parent
}

// ParentIndex maps a view index to the parent index.
func (s *Subset) ParentIndex(i int) int {
	return s.indices[i]
}

// Indices returns the parent indices in view order.
func (s *Subset) Indices() []int {
	return s.indices
}

// subsetBuilder accumulates parent indices, doubling its buffer from the
// scope's budget so selection stays linear on large sets.
type subsetBuilder struct {
	sc      *scope
	indices []int
}

func newSubsetBuilder(sc *scope, initialCap int) (*subsetBuilder, error) {
	if initialCap < 16 {
		initialCap = 16
	}
	buf, err := sc.allocInts(initialCap)
	if err != nil {
		return nil, err
	}
	return &subsetBuilder{sc: sc, indices: buf[:0]}, nil
}

func (b *subsetBuilder) add(idx int) error {
	if len(b.indices) == cap(b.indices) {
		grown, err := b.sc.allocInts(2 * cap(b.indices))
		if err != nil {
			return err
		}
		copy(grown, b.indices)
		b.indices = grown[:len(b.indices)]
	}
	b.indices = append(b.indices, idx)
	return nil
}

func (b *subsetBuilder) build(parent PointSet) *Subset {
	return &Subset{parent: parent, indices: b.indices}
}

// collectPoints copies every point of set into a new slice reserved from sc.
func collectPoints(sc *scope, set PointSet) ([]r3.Vector, error) {
	n := set.Size()
	out, err := sc.allocVectors(n)
	if err != nil {
		return nil, err
	}
	if c, ok := set.(*Cloud); ok {
		copy(out, c.points)
		return out, nil
	}
	for i := 0; i < n; i++ {
		p, err := set.PointAt(i)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
