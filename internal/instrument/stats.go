package instrument

// Stats receives hub activity counters.
type Stats interface {
	// Published is called for every stream publish with its sample count.
	Published(stream string, samples int)
	// MeterUpdated is called after a meter appends values.
	MeterUpdated(meter string, samples int)
	// MeterFinalized is called once per meter at close.
	MeterFinalized(meter string, failed bool)
	// WriterFailed is called when a writer returns an error or panics.
	WriterFailed(writer string)
}

type nopStats struct{}

func (nopStats) Published(string, int)       {}
func (nopStats) MeterUpdated(string, int)    {}
func (nopStats) MeterFinalized(string, bool) {}
func (nopStats) WriterFailed(string)         {}

// NopStats discards all hub activity.
var NopStats Stats = nopStats{}
