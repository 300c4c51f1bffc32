package loader

// Kind names a content kind.
type Kind string

const (
	KindImage     Kind = "image"
	KindComponent Kind = "component"
	KindScript    Kind = "script"
	KindStyle     Kind = "style"
)

// Source describes what a placeholder loads. The set of implementations is
// closed: Image, Component, Script and Style.
type Source interface {
	Kind() Kind
	sealed()
}

// Image is a raster image fetched by reference and decoded to learn its
// format and dimensions.
type Image struct {
	Ref string
}

// Component is a sub-component built by a registered factory.
type Component struct {
	Name  string
	Props map[string]interface{}
}

// Script is an external script fetched by reference.
type Script struct {
	Ref string
}

// Style is an external stylesheet fetched by reference.
type Style struct {
	Ref string
}

func (Image) Kind() Kind     { return KindImage }
func (Component) Kind() Kind { return KindComponent }
func (Script) Kind() Kind    { return KindScript }
func (Style) Kind() Kind     { return KindStyle }

func (Image) sealed()     {}
func (Component) sealed() {}
func (Script) sealed()    {}
func (Style) sealed()     {}

// State is the lifecycle of a placeholder.
type State int

const (
	Pending State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether the state is terminal.
func (s State) Settled() bool {
	return s == Loaded || s == Failed
}

// ImageInfo is the cached and attached payload of an image load.
type ImageInfo struct {
	Ref    string
	Format string
	Width  int
	Height int
	Data   []byte
}

// Size implements cache.Sizer.
func (i ImageInfo) Size() int64 {
	return int64(len(i.Data))
}
