package hal

// NoTaps is a Taps implementation for platforms without a tap primitive.
// Every call fails with ErrUnsupported, which the recording layer treats
// as "system audio unavailable".
type NoTaps struct{}

func (NoTaps) CreateTap(TapDescription) (ObjectID, error)                   { return 0, ErrUnsupported }
func (NoTaps) DestroyTap(ObjectID) error                                    { return ErrUnsupported }
func (NoTaps) TapFormat(ObjectID) (StreamFormat, error)                     { return StreamFormat{}, ErrUnsupported }
func (NoTaps) CreateAggregateDevice(AggregateDescription) (ObjectID, error) { return 0, ErrUnsupported }
func (NoTaps) DestroyAggregateDevice(ObjectID) error                        { return ErrUnsupported }
func (NoTaps) CreateIOProc(ObjectID, IOCallbacks) (IOProcID, error)         { return 0, ErrUnsupported }
func (NoTaps) DestroyIOProc(ObjectID, IOProcID) error                       { return ErrUnsupported }
func (NoTaps) StartDevice(ObjectID, IOProcID) error                         { return ErrUnsupported }
func (NoTaps) StopDevice(ObjectID, IOProcID) error                          { return ErrUnsupported }
