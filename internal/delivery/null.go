package delivery

// NullHandler accepts scheme "null" and discards everything written to it;
// useful for measuring pipeline overhead without a real sink.
type NullHandler struct{}

func (NullHandler) CanHandle(mrl string) bool { return schemeOf(mrl) == SchemeNull }

func (NullHandler) CreateInstance(mrl string) (Instance, error) {
	return &nullInstance{}, nil
}

type nullInstance struct{}

func (*nullInstance) ReserveHeaderSpace(int)    {}
func (*nullInstance) SetHeader([]byte)          {}
func (*nullInstance) OutputPacket([]byte) error { return nil }
func (*nullInstance) OutputBlock([]byte) error  { return nil }
func (*nullInstance) Destroy() error            { return nil }
