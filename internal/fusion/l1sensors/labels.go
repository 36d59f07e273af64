package l1sensors

import "strconv"

// cocoLabels are the 80 COCO classes in detector class-id order.
var cocoLabels = [...]string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

// LabelName resolves a detector class id. Unknown ids map to "class_<id>"
// so they still only match their own kind during tracking.
func LabelName(classID int) string {
	if classID >= 0 && classID < len(cocoLabels) {
		return cocoLabels[classID]
	}
	return "class_" + strconv.Itoa(classID)
}

// ClassID is the inverse of LabelName for the known classes.
func ClassID(label string) (int, bool) {
	for i, l := range cocoLabels {
		if l == label {
			return i, true
		}
	}
	return 0, false
}
