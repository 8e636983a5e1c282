package detection

import (
	"fmt"
	"image/color"

	"yolocam/internal/pipeline"
)

// cocoLabels are the 80 classes the detect, segment and pose models are trained on
var cocoLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat", "traffic light",
	"fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone",
	"microwave", "oven", "toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

// dotaLabels are the classes of the oriented box models
var dotaLabels = []string{
	"plane", "ship", "storage tank", "baseball diamond", "tennis court", "basketball court",
	"ground track field", "harbor", "bridge", "large vehicle", "small vehicle", "helicopter",
	"roundabout", "soccer ball field", "swimming pool",
}

// LabelName returns the display name of label for the given task.
// Classification models use ImageNet ids, which are shown numerically.
func LabelName(task pipeline.TaskKind, label int) string {
	var names []string
	switch task {
	case pipeline.TaskDetect, pipeline.TaskSegment, pipeline.TaskPose:
		names = cocoLabels
	case pipeline.TaskOrientedBox:
		names = dotaLabels
	}
	if label >= 0 && label < len(names) {
		return names[label]
	}
	return fmt.Sprintf("class %d", label)
}

var palette = []color.RGBA{
	{54, 67, 244, 255},
	{99, 30, 233, 255},
	{176, 39, 156, 255},
	{183, 58, 103, 255},
	{181, 81, 63, 255},
	{243, 150, 33, 255},
	{244, 169, 3, 255},
	{212, 188, 0, 255},
	{136, 150, 0, 255},
	{80, 175, 76, 255},
	{74, 195, 139, 255},
	{57, 220, 205, 255},
	{59, 235, 255, 255},
	{7, 193, 255, 255},
	{0, 152, 255, 255},
	{34, 87, 255, 255},
	{72, 85, 121, 255},
	{158, 158, 158, 255},
	{139, 125, 96, 255},
}

func labelColor(label int) color.RGBA {
	if label < 0 {
		label = -label
	}
	return palette[label%len(palette)]
}
