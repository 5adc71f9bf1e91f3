// Package geometry decides whether an element is currently rendered inside
// the viewport and where its center sits. Results depend on live layout and
// are never cached: callers evaluate afresh on every scan.
package geometry

import "github.com/hazyhaar/purifier/purifier/dom"

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64
	Y float64
}

// State is the visibility of one element at evaluation time.
type State struct {
	Visible bool
	Center  Point
}

// Evaluate computes the visibility state of n. The center is always filled
// in, even for hidden elements, because discovery orders hidden elements by
// their distance from the viewport origin.
func Evaluate(n dom.Node, vp dom.Viewport) State {
	st := State{Visible: true}

	if n.Style("display") == "none" {
		st.Visible = false
	}
	if n.Style("visibility") != "visible" {
		st.Visible = false
	}

	l := n.Layout()
	if l.OffsetWidth+l.OffsetHeight+l.Rect.Height+l.Rect.Width == 0 {
		st.Visible = false
	}

	st.Center = Point{
		X: l.Rect.Left + l.OffsetWidth/2,
		Y: l.Rect.Top + l.OffsetHeight/2,
	}
	if st.Center.X < 0 || st.Center.X > vp.Width {
		st.Visible = false
	}
	if st.Center.Y < 0 || st.Center.Y > vp.Height {
		st.Visible = false
	}
	return st
}
