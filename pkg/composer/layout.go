package composer

// Size is a target frame size in pixels.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Box is a placement region inside the output frame.
type Box struct {
	X int
	Y int
	W int
	H int
}

// Layout decides where the screen-share and the camera inset are drawn.
type Layout interface {
	// ScreenBox is the region the screen-share fills when one is active.
	ScreenBox(size Size) Box
	// CamBox is the inset region the camera (or its placeholder) occupies
	// while a screen-share is active.
	CamBox(size Size) Box
}

// PresenterLayout is the default policy: the screen-share fills 3/4 of the
// frame width and the camera sits in a fixed quarter-width inset on the right.
type PresenterLayout struct{}

func (PresenterLayout) ScreenBox(size Size) Box {
	return Box{
		X: 0,
		Y: 0,
		W: size.W * 3 / 4,
		H: size.H,
	}
}

func (PresenterLayout) CamBox(size Size) Box {
	return Box{
		X: size.W * 3 / 4,
		Y: size.H/2 - size.H/8,
		W: size.W / 4,
		H: size.H / 4,
	}
}

func fullFrame(size Size) Box {
	return Box{X: 0, Y: 0, W: size.W, H: size.H}
}
